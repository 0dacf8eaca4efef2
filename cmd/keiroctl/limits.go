package main

import (
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

// Run reports the first limit the usage reaches, reasoning steps included.
func (c *CheckLimitsCmd) Run(rt *runtime) error {
	var (
		l model.ResourceLimits
		u model.ResourceUsage
	)
	if err := rt.decodeArg(c.Limits, &l); err != nil {
		return err
	}
	if err := rt.decodeArg(c.Usage, &u); err != nil {
		return err
	}
	return rt.writeJSON(limits.CheckAll(l, u))
}

// Run prints the merged child context.
func (c *MergeLimitsCmd) Run(rt *runtime) error {
	var parent, child model.ExecutionContext
	if err := rt.decodeArg(c.Parent, &parent); err != nil {
		return err
	}
	if err := rt.decodeArg(c.Child, &child); err != nil {
		return err
	}
	return rt.writeJSON(limits.Merge(parent, child))
}
