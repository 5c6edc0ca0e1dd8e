// History filters. A filter sees one single-element entry before merging
// and says whether to keep it.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"context"
	"regexp"

	cmap "github.com/orcaman/concurrent-map"
)

// Filter is one stage of the history filter chain.
type Filter func(ctx context.Context, e *ChangeEntry) (bool, error)

// contentOperations are the lshistory operations that change what a
// build would see.
var contentOperations = map[string]bool{
	"checkin":  true,
	"mkelem":   true,
	"mkbranch": true,
	"rmbranch": true,
	"rmelem":   true,
	"rmver":    true,
	"rmname":   true,
	"mkslink":  true,
}

var destroySubBranchRE = regexp.MustCompile(`destroy sub-branch ".*" of branch`)

func destroySubBranchFilter() Filter {
	return func(_ context.Context, e *ChangeEntry) (bool, error) {
		if destroySubBranchRE.MatchString(e.Comment) {
			return false, nil
		}
		for _, el := range e.Elements {
			if el.Operation == "rmbranch" || destroySubBranchRE.MatchString(el.Action) {
				return false, nil
			}
		}
		return true, nil
	}
}

func excludedRegionsFilter(regions []*regexp.Regexp) Filter {
	return func(_ context.Context, e *ChangeEntry) (bool, error) {
		for _, el := range e.Elements {
			for _, re := range regions {
				if re.MatchString(el.File) {
					return false, nil
				}
			}
		}
		return true, nil
	}
}

func contentOperationFilter() Filter {
	return func(_ context.Context, e *ChangeEntry) (bool, error) {
		for _, el := range e.Elements {
			if !contentOperations[el.Operation] {
				return false, nil
			}
		}
		return true, nil
	}
}

// labelFilter keeps versions carrying at least one of the labels. The
// match is strict: only the exact version is described, earlier versions
// on the same branch do not count. Describe results are cached for the
// life of one history read.
func labelFilter(ct *Cleartool, ctl *Control, dir string, labels []string) Filter {
	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}
	cache := cmap.New()
	return func(ctx context.Context, e *ChangeEntry) (bool, error) {
		for _, el := range e.Elements {
			key := el.File + "@@" + el.Version
			var attached []string
			if v, ok := cache.Get(key); ok {
				attached = v.([]string)
			} else {
				got, err := ct.DescribeLabels(ctx, dir, key)
				if err != nil {
					if IsCancelled(err) || !IsToolFailure(err) {
						return false, err
					}
					ctl.logit(logWARN, "can't describe %s: %v", key, err)
					return false, nil
				}
				cache.Set(key, got)
				attached = got
			}
			found := false
			for _, l := range attached {
				if wanted[l] {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	}
}

// buildFilters assembles the chain for one history read. dir is where
// element names resolve, i.e. the view root.
func buildFilters(spec *ResolvedViewSpec, ct *Cleartool, ctl *Control, dir string) []Filter {
	var chain []Filter
	if spec.FilterDestroySubBranch {
		chain = append(chain, destroySubBranchFilter())
	}
	if len(spec.ExcludedRegions) > 0 {
		chain = append(chain, excludedRegionsFilter(spec.ExcludedRegions))
	}
	switch spec.ChangeSetLevel {
	case ChangeSetBranch, ChangeSetNone:
		chain = append(chain, contentOperationFilter())
	}
	if len(spec.Labels) > 0 {
		chain = append(chain, labelFilter(ct, ctl, dir, spec.Labels))
	}
	return chain
}

// applyFilters runs e through the chain, stopping at the first rejection.
func applyFilters(ctx context.Context, chain []Filter, e *ChangeEntry) (bool, error) {
	for _, f := range chain {
		keep, err := f(ctx, e)
		if err != nil || !keep {
			return false, err
		}
	}
	return true, nil
}
