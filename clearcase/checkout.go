// View state machine: bring a snapshot or dynamic view in line with the
// resolved view spec.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ViewState is what the planner finds on the agent. It is derived on
// every run and never persisted.
type ViewState int

// View lifecycle states.
const (
	ViewAbsent ViewState = iota
	ViewPresentCompatible
	ViewPresentWrongConfigSpec
	ViewPresentWrongTag
)

func (s ViewState) String() string {
	switch s {
	case ViewAbsent:
		return "absent"
	case ViewPresentCompatible:
		return "present-compatible"
	case ViewPresentWrongConfigSpec:
		return "present-wrong-configspec"
	case ViewPresentWrongTag:
		return "present-wrong-tag"
	}
	return fmt.Sprintf("ViewState(%d)", int(s))
}

// CheckoutPlanner makes the view match the view spec as of buildTime.
type CheckoutPlanner interface {
	Checkout(ctx context.Context, spec *ResolvedViewSpec, buildTime time.Time) error
}

// plannerBase carries what both strategies need.
type plannerBase struct {
	ct        *Cleartool
	ctl       *Control
	ws        Workspace
	workspace string
	recordDir string
}

// NewCheckoutPlanner picks the strategy for the view mode.
func NewCheckoutPlanner(mode ViewMode, ct *Cleartool, ctl *Control, ws Workspace, workspace, recordDir string) CheckoutPlanner {
	base := plannerBase{ct: ct, ctl: ctl, ws: ws, workspace: workspace, recordDir: recordDir}
	if mode == Dynamic {
		return &dynamicPlanner{base}
	}
	return &snapshotPlanner{base}
}

func (p *plannerBase) isUnix() bool {
	return p.ct.IsUnix()
}

// scratch returns a workspace file name private to the view.
func (p *plannerBase) scratch(spec *ResolvedViewSpec, suffix string) string {
	return joinPath(p.isUnix(), p.workspace, spec.ViewTag+suffix)
}

// applyConfigSpec writes text to a scratch file and hands it to setcs.
func (p *plannerBase) applyConfigSpec(ctx context.Context, spec *ResolvedViewSpec, dir, text string) error {
	file := p.scratch(spec, ".cs")
	if err := p.ws.WriteFile(file, []byte(NormalizePath(text, p.isUnix()))); err != nil {
		return &Error{Class: ClassLauncher, Op: "setcs", Err: err,
			message: fmt.Sprintf("can't write config spec file %s: %v", file, err)}
	}
	err := p.ct.SetConfigSpec(ctx, spec.ViewTag, dir, file)
	if rerr := p.ws.Remove(file); rerr != nil {
		p.ctl.logit(logWARN, "can't remove %s: %v", file, rerr)
	}
	return err
}

type snapshotPlanner struct {
	plannerBase
}

// deriveState inspects the view directory. A pwv failure is not fatal;
// the directory is then treated as holding no usable view.
func (p *snapshotPlanner) deriveState(ctx context.Context, spec *ResolvedViewSpec, viewDir string) (ViewState, string, error) {
	if !p.ws.Exists(viewDir) {
		return ViewAbsent, "", nil
	}
	tag, err := p.ct.CurrentViewTag(ctx, viewDir)
	if err != nil {
		if IsCancelled(err) {
			return ViewAbsent, "", err
		}
		p.ctl.logit(logWARN, "can't determine view in %s: %v", viewDir, err)
		return ViewPresentWrongTag, "", nil
	}
	if tag != spec.ViewTag {
		return ViewPresentWrongTag, tag, nil
	}
	return ViewPresentCompatible, tag, nil
}

func (p *snapshotPlanner) Checkout(ctx context.Context, spec *ResolvedViewSpec, buildTime time.Time) error {
	viewDir := spec.ViewDir(p.workspace)
	state, foundTag, err := p.deriveState(ctx, spec, viewDir)
	if err != nil {
		return err
	}
	p.ctl.logit(logCHECKOUT, "snapshot view %s at %s is %s", spec.ViewTag, viewDir, state)

	if state == ViewPresentWrongTag {
		if spec.RmViewOnRename && foundTag != "" {
			p.ctl.logit(logCHECKOUT, "removing view %s found at %s", foundTag, viewDir)
			if err := p.ct.RemoveView(ctx, p.workspace, viewDir); err != nil {
				return err
			}
		} else {
			keep := viewDir + ".keep"
			p.ctl.logit(logCHECKOUT, "moving %s aside to %s", viewDir, keep)
			if err := p.ws.Rename(viewDir, keep); err != nil {
				return &Error{Class: ClassLauncher, Op: "checkout", Err: err,
					message: fmt.Sprintf("can't move %s aside: %v", viewDir, err)}
			}
		}
		state = ViewAbsent
	}

	if state == ViewAbsent {
		registered, err := p.ct.ViewExists(ctx, spec.ViewTag)
		if err != nil {
			return err
		}
		if registered {
			if spec.RmViewOnRename {
				p.ctl.logit(logCHECKOUT, "removing stale registration of %s", spec.ViewTag)
				if err := p.ct.RemoveViewTag(ctx, spec.ViewTag); err != nil {
					return err
				}
			} else {
				p.ctl.logit(logWARN, "view tag %s is registered elsewhere; mkview may fail", spec.ViewTag)
			}
		}
		if err := p.ct.CreateView(ctx, p.workspace, spec.ViewTag, Snapshot, viewDir, "", spec.MkviewArgs); err != nil {
			return err
		}
	}

	out, err := p.ct.CatConfigSpec(ctx, spec.ViewTag)
	if err != nil {
		return err
	}
	current := ParseConfigSpec(out, p.isUnix())
	desired := ParseConfigSpec(spec.ConfigSpec, p.isUnix()).WithLoadRules(spec.LoadRules)

	if !desired.SameRules(current) {
		p.ctl.logit(logCHECKOUT, "snapshot view %s is %s", spec.ViewTag, ViewPresentWrongConfigSpec)
		if spec.DoNotUpdateConfigSpec {
			p.ctl.logit(logCHECKOUT, "config spec of %s differs but updates are disabled", spec.ViewTag)
		} else {
			if p.ctl.logEnable(logCHECKOUT) {
				p.ctl.logit(logCHECKOUT, "config spec of %s changed:\n%s", spec.ViewTag,
					current.StripLoadRules().Diff(desired.StripLoadRules(), "current", "desired"))
			}
			// Rules still wanted stay; new ones come in through update.
			var keep []string
			wanted := desired.LoadRules()
			for _, r := range current.LoadRules() {
				if contains(wanted, r) {
					keep = append(keep, r)
				}
			}
			next := desired.WithLoadRules(keep)
			if err := p.applyConfigSpec(ctx, spec, viewDir, next.String()); err != nil {
				return err
			}
			current = next
		}
	}

	added, _ := LoadRulesDelta(desired.LoadRules(), current.LoadRules())
	if len(added) == 0 && spec.UseUpdate {
		p.ctl.logit(logCHECKOUT, "view %s is up to date", spec.ViewTag)
		return nil
	}
	logFile := p.scratch(spec, ".updt")
	if err := p.ct.Update(ctx, p.workspace, viewDir, added, !spec.UseUpdate, logFile); err != nil {
		return err
	}
	if p.recordDir != "" && p.ws.Exists(logFile) {
		dest := joinPath(p.isUnix(), p.recordDir, spec.ViewTag+".updt")
		if err := p.ws.Copy(logFile, dest); err != nil {
			p.ctl.logit(logWARN, "can't keep update log %s: %v", logFile, err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type dynamicPlanner struct {
	plannerBase
}

// TimeRuleConfigSpec pins a config spec to an instant.
func TimeRuleConfigSpec(text string, at time.Time) string {
	return "time " + FormatClearToolTime(at) + "\n" + strings.TrimRight(text, "\r\n") + "\nend time\n"
}

func (p *dynamicPlanner) Checkout(ctx context.Context, spec *ResolvedViewSpec, buildTime time.Time) error {
	if spec.CreateDynView {
		exists, err := p.ct.ViewExists(ctx, spec.ViewTag)
		if err != nil {
			return err
		}
		if !exists {
			p.ctl.logit(logCHECKOUT, "creating dynamic view %s in %s", spec.ViewTag, spec.DynStorageDir())
			if err := p.ct.CreateView(ctx, "", spec.ViewTag, Dynamic, "", spec.DynStorageDir(), spec.MkviewArgs); err != nil {
				return err
			}
		}
	}
	if err := p.ct.StartView(ctx, spec.ViewTag); err != nil {
		return err
	}
	if spec.DoNotUpdateConfigSpec {
		return nil
	}
	text := spec.ConfigSpec
	if spec.UseTimeRule {
		text = TimeRuleConfigSpec(text, buildTime)
	}
	out, err := p.ct.CatConfigSpec(ctx, spec.ViewTag)
	if err != nil {
		return err
	}
	desired := ParseConfigSpec(text, p.isUnix())
	if desired.SameRules(ParseConfigSpec(out, p.isUnix())) {
		p.ctl.logit(logCHECKOUT, "config spec of %s unchanged", spec.ViewTag)
		return nil
	}
	return p.applyConfigSpec(ctx, spec, "", text)
}
