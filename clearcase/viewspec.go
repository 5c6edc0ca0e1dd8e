// The user-declared view spec and its per-build resolution.
//
// SPDX-License-Identifier: BSD-2-Clause

package clearcase

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	shlex "github.com/anmitsu/go-shlex"
	"golang.org/x/text/encoding"
	ianaindex "golang.org/x/text/encoding/ianaindex"
)

// ViewMode selects the checkout strategy.
type ViewMode string

// View modes.
const (
	Snapshot ViewMode = "snapshot"
	Dynamic  ViewMode = "dynamic"
)

// ConfigSpecSource says where the config spec text comes from.
type ConfigSpecSource string

// Config spec sources.
const (
	SourceInline        ConfigSpecSource = "inline"
	SourceFile          ConfigSpecSource = "file"
	SourceRefreshedFile ConfigSpecSource = "refreshed-file"
)

// ChangeSetLevel selects which history records count as changes.
//
//	none       - no change log is recorded at checkout; polls behave as branch
//	unfiltered - one lshistory without a branch restriction, every operation
//	branch     - one lshistory per branch, content operations only
//	all        - one lshistory per branch, every operation
type ChangeSetLevel string

// Change set levels.
const (
	ChangeSetNone       ChangeSetLevel = "none"
	ChangeSetUnfiltered ChangeSetLevel = "unfiltered"
	ChangeSetBranch     ChangeSetLevel = "branch"
	ChangeSetAll        ChangeSetLevel = "all"
)

// ParseChangeSetLevel maps a form value to a level; empty means branch.
func ParseChangeSetLevel(s string) (ChangeSetLevel, error) {
	switch ChangeSetLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ChangeSetBranch, nil
	case ChangeSetNone:
		return ChangeSetNone, nil
	case ChangeSetUnfiltered:
		return ChangeSetUnfiltered, nil
	case ChangeSetBranch:
		return ChangeSetBranch, nil
	case ChangeSetAll:
		return ChangeSetAll, nil
	}
	return "", throw(ClassConfiguration, "unknown change set level %q", s)
}

// ViewSpec is the job's SCM configuration as the user entered it.
// String fields may reference build variables as ${NAME}.
type ViewSpec struct {
	Branch           string           `yaml:"branch"`
	Label            string           `yaml:"label"`
	ConfigSpec       string           `yaml:"configSpec"`
	ConfigSpecSource ConfigSpecSource `yaml:"configSpecSource"`
	ConfigSpecFile   string           `yaml:"configSpecFile"`
	RefreshCommand   string           `yaml:"refreshCommand"`
	LoadRules        string           `yaml:"loadRules"`
	ExtractLoadRules bool             `yaml:"extractLoadRules"`

	ViewMode          ViewMode `yaml:"viewMode"`
	ViewTag           string   `yaml:"viewTag"`
	ViewPath          string   `yaml:"viewPath"`
	ViewDrive         string   `yaml:"viewDrive"`
	WinDynStorageDir  string   `yaml:"winDynStorageDir"`
	UnixDynStorageDir string   `yaml:"unixDynStorageDir"`
	MkviewOptions     string   `yaml:"mkviewOptions"`

	UseUpdate              bool `yaml:"useUpdate"`
	DoNotUpdateConfigSpec  bool `yaml:"doNotUpdateConfigSpec"`
	RmViewOnRename         bool `yaml:"rmViewOnRename"`
	CreateDynView          bool `yaml:"createDynView"`
	UseTimeRule            bool `yaml:"useTimeRule"`
	FilterDestroySubBranch bool `yaml:"filterDestroySubBranch"`

	ExcludedRegions     string         `yaml:"excludedRegions"`
	MultiSitePollBuffer int            `yaml:"multiSitePollBuffer"` // minutes
	ChangeSetLevel      ChangeSetLevel `yaml:"changeSetLevel"`

	OutputEncoding string `yaml:"outputEncoding"` // IANA charset of cleartool output
	TimeZone       string `yaml:"timeZone"`       // zone of cleartool numeric dates
}

func (vs *ViewSpec) source() ConfigSpecSource {
	if vs.ConfigSpecSource == "" {
		return SourceInline
	}
	return vs.ConfigSpecSource
}

func (vs *ViewSpec) mode() ViewMode {
	if vs.ViewMode == "" {
		return Snapshot
	}
	return vs.ViewMode
}

// FileBased says whether the config spec is read from a file.
func (vs *ViewSpec) FileBased() bool {
	return vs.source() == SourceFile || vs.source() == SourceRefreshedFile
}

// Validate checks the view spec without any build context. It
// returns the first configuration error found.
func (vs *ViewSpec) Validate() error {
	switch vs.source() {
	case SourceInline:
		if strings.TrimSpace(vs.ConfigSpec) == "" {
			return throw(ClassConfiguration, "config spec is mandatory")
		}
	case SourceRefreshedFile:
		if strings.TrimSpace(vs.RefreshCommand) == "" {
			return throw(ClassConfiguration, "a refreshed config spec file needs a refresh command")
		}
		fallthrough
	case SourceFile:
		if strings.TrimSpace(vs.ConfigSpecFile) == "" {
			return throw(ClassConfiguration, "config spec file name is mandatory")
		}
	default:
		return throw(ClassConfiguration, "unknown config spec source %q", vs.ConfigSpecSource)
	}
	switch vs.mode() {
	case Snapshot, Dynamic:
	default:
		return throw(ClassConfiguration, "unknown view mode %q", vs.ViewMode)
	}
	if vs.MultiSitePollBuffer < 0 {
		return throw(ClassConfiguration, "multi-site poll buffer must not be negative")
	}
	if _, err := ParseChangeSetLevel(string(vs.ChangeSetLevel)); err != nil {
		return err
	}
	if _, err := compileExcludedRegions(vs.ExcludedRegions); err != nil {
		return err
	}
	if _, err := lookupDecoder(vs.OutputEncoding); err != nil {
		return err
	}
	if _, err := lookupZone(vs.TimeZone); err != nil {
		return err
	}
	if _, err := shlex.Split(vs.MkviewOptions, true); err != nil {
		return throw(ClassConfiguration, "mkview options %q: %v", vs.MkviewOptions, err)
	}
	return nil
}

// ResolvedViewSpec is a ViewSpec with all variables expanded and all
// lists split. The driver builds one at the top of each operation and
// never modifies it afterwards.
type ResolvedViewSpec struct {
	Branches          []string
	Labels            []string
	ConfigSpec        string
	ConfigSpecFile    string
	LoadRules         []string
	ViewMode          ViewMode
	ViewName          string // expanded, as entered
	ViewTag           string // ViewName made acceptable to cleartool
	ViewPath          string
	ViewDrive         string
	WinDynStorageDir  string
	UnixDynStorageDir string
	MkviewArgs        []string

	UseUpdate              bool
	DoNotUpdateConfigSpec  bool
	RmViewOnRename         bool
	CreateDynView          bool
	UseTimeRule            bool
	FilterDestroySubBranch bool
	FileBased              bool

	ExcludedRegions     []*regexp.Regexp
	MultiSitePollBuffer time.Duration
	ChangeSetLevel      ChangeSetLevel
	Decoder             *encoding.Decoder
	Location            *time.Location
	IsUnix              bool
}

// Resolve expands the view spec against the build's variables.
// When the config spec comes from a file the caller passes the file
// text as configSpec; an empty string means use the inline field.
func (vs *ViewSpec) Resolve(vars Variables, isUnix bool, desc *Descriptor, configSpec string) (*ResolvedViewSpec, error) {
	if desc == nil {
		desc = NewDescriptor()
	}
	r := &ResolvedViewSpec{
		ViewMode:               vs.mode(),
		UseUpdate:              vs.UseUpdate && vs.mode() == Snapshot,
		DoNotUpdateConfigSpec:  vs.DoNotUpdateConfigSpec,
		RmViewOnRename:         vs.RmViewOnRename,
		CreateDynView:          vs.CreateDynView,
		UseTimeRule:            vs.UseTimeRule,
		FilterDestroySubBranch: vs.FilterDestroySubBranch,
		FileBased:              vs.FileBased(),
		MultiSitePollBuffer:    time.Duration(vs.MultiSitePollBuffer) * time.Minute,
		IsUnix:                 isUnix,
	}
	var err error
	if r.ChangeSetLevel, err = ParseChangeSetLevel(string(vs.ChangeSetLevel)); err != nil {
		return nil, err
	}
	if vs.MultiSitePollBuffer < 0 {
		return nil, throw(ClassConfiguration, "multi-site poll buffer must not be negative")
	}
	for _, b := range SplitBranches(vs.Branch) {
		r.Branches = append(r.Branches, vars.Expand(b))
	}
	r.Labels = strings.Fields(vars.Expand(vs.Label))

	viewTag := vs.ViewTag
	if strings.TrimSpace(viewTag) == "" {
		viewTag = desc.DefaultViewName
	}
	r.ViewName = vars.Expand(strings.TrimSpace(viewTag))
	r.ViewTag = NormalizeViewTag(r.ViewName)
	viewPath := vs.ViewPath
	if strings.TrimSpace(viewPath) == "" {
		viewPath = desc.DefaultViewPath
	}
	r.ViewPath = NormalizePath(vars.Expand(strings.TrimSpace(viewPath)), isUnix)
	r.ViewDrive = NormalizePath(vars.Expand(strings.TrimSpace(vs.ViewDrive)), isUnix)
	winDir := vs.WinDynStorageDir
	if winDir == "" {
		winDir = desc.DefaultWinDynStorageDir
	}
	unixDir := vs.UnixDynStorageDir
	if unixDir == "" {
		unixDir = desc.DefaultUnixDynStorageDir
	}
	r.WinDynStorageDir = NormalizePath(vars.Expand(winDir), false)
	r.UnixDynStorageDir = NormalizePath(vars.Expand(unixDir), true)
	if r.MkviewArgs, err = shlex.Split(vars.Expand(vs.MkviewOptions), true); err != nil {
		return nil, throw(ClassConfiguration, "mkview options %q: %v", vs.MkviewOptions, err)
	}
	if vs.FileBased() {
		r.ConfigSpecFile = vars.Expand(vs.ConfigSpecFile)
	}

	if configSpec == "" {
		configSpec = vs.ConfigSpec
	}
	r.ConfigSpec = strings.ReplaceAll(vars.Expand(configSpec), "\r\n", "\n")
	if vs.ExtractLoadRules {
		r.LoadRules = ParseConfigSpec(r.ConfigSpec, isUnix).LoadRules()
	} else {
		for _, line := range SplitLines(vars.Expand(vs.LoadRules)) {
			if rule := strings.TrimSpace(line); rule != "" {
				r.LoadRules = append(r.LoadRules, normalizeLoadRule(rule, isUnix))
			}
		}
	}

	if r.ExcludedRegions, err = compileExcludedRegions(vars.Expand(vs.ExcludedRegions)); err != nil {
		return nil, err
	}
	if r.Decoder, err = lookupDecoder(vs.OutputEncoding); err != nil {
		return nil, err
	}
	if r.Location, err = lookupZone(vs.TimeZone); err != nil {
		return nil, err
	}
	return r, nil
}

// ViewDir is the agent directory through which the view is read: the
// snapshot root inside the workspace, or the dynamic view under the
// view drive.
func (r *ResolvedViewSpec) ViewDir(workspace string) string {
	if r.ViewMode == Dynamic {
		return joinPath(r.IsUnix, r.ViewDrive, r.ViewTag)
	}
	if isAbsPath(r.ViewPath) {
		return r.ViewPath
	}
	return joinPath(r.IsUnix, workspace, r.ViewPath)
}

// DynStorageDir picks the dynamic view storage directory of the agent.
func (r *ResolvedViewSpec) DynStorageDir() string {
	if r.IsUnix {
		return r.UnixDynStorageDir
	}
	return r.WinDynStorageDir
}

func compileExcludedRegions(text string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, throw(ClassConfiguration, "invalid excluded region %q: %v", line, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func lookupDecoder(name string) (*encoding.Decoder, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, throw(ClassConfiguration, "can't set up codec %s: %v", name, err)
	}
	if enc == nil {
		return nil, throw(ClassConfiguration, "codec %s is known but not supported", name)
	}
	return enc.NewDecoder(), nil
}

func lookupZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, throw(ClassConfiguration, "unknown time zone %q: %v", name, err)
	}
	return loc, nil
}

// SplitBranches splits a branch field on runs of space, CR or LF that are
// not preceded by a backslash, then turns each "\ " into a space.
func SplitBranches(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.ReplaceAll(cur.String(), "\\ ", " "))
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c == ' ' || c == '\r' || c == '\n') && !(i > 0 && s[i-1] == '\\') {
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

var viewTagJunk = regexp.MustCompile(`[\s\\/:?*|]+`)

// NormalizeViewTag replaces characters cleartool refuses in a view tag.
func NormalizeViewTag(tag string) string {
	return viewTagJunk.ReplaceAllString(tag, "_")
}

// Variables is the build's variable set.
type Variables map[string]string

var variableRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Expand substitutes ${NAME} and $NAME references in a single pass.
// Undefined names are left as written; substituted text is not expanded
// again.
func (v Variables) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return variableRE.ReplaceAllStringFunc(s, func(ref string) string {
		m := variableRE.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if val, ok := v[name]; ok {
			return val
		}
		return ref
	})
}

// String is for debugging.
func (r *ResolvedViewSpec) String() string {
	return fmt.Sprintf("%s view %s at %s, branches %v, labels %v, load rules %v",
		r.ViewMode, r.ViewTag, r.ViewPath, r.Branches, r.Labels, r.LoadRules)
}
