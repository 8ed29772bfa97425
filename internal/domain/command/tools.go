package command

import "time"

// TargetKind tells the router which sanitizer applies.
type TargetKind string

const (
	TargetHost TargetKind = "host"
	TargetURL  TargetKind = "url"
)

// FlagSpec describes one allow-listed flag for a tool.
type FlagSpec struct {
	TakesValue bool
}

// ToolSpec is the fixed template one tool is allowed to run with. Only
// tools present in the registry can ever be executed.
type ToolSpec struct {
	Name           string
	Image          string
	TargetKind     TargetKind
	// BaseArgs is the argv prefix; targetPlaceholder marks where the
	// sanitized target is substituted.
	BaseArgs       []string
	AllowedFlags   map[string]FlagSpec
	SuccessCodes   []int
	DefaultTimeout time.Duration
}

const targetPlaceholder = "{target}"

// registry is the tool allow-list. Adding a tool means adding an entry,
// never new routing logic.
var registry = map[string]ToolSpec{
	"nmap": {
		Name:       "nmap",
		Image:      "instrumentisto/nmap:latest",
		TargetKind: TargetHost,
		BaseArgs:   []string{"-oN", "-", targetPlaceholder},
		AllowedFlags: map[string]FlagSpec{
			"-p":          {TakesValue: true},
			"--top-ports": {TakesValue: true},
			"-sV":         {},
			"-sT":         {},
			"-Pn":         {},
			"-T4":         {},
			"-F":          {},
		},
		SuccessCodes:   []int{0},
		DefaultTimeout: 10 * time.Minute,
	},
	"nikto": {
		Name:       "nikto",
		Image:      "frapsoft/nikto:latest",
		TargetKind: TargetURL,
		BaseArgs:   []string{"-h", targetPlaceholder, "-nointeractive"},
		AllowedFlags: map[string]FlagSpec{
			"-ssl":     {},
			"-Tuning":  {TakesValue: true},
			"-maxtime": {TakesValue: true},
		},
		SuccessCodes:   []int{0, 1},
		DefaultTimeout: 20 * time.Minute,
	},
	"sqlmap": {
		Name:       "sqlmap",
		Image:      "parrotsec/sqlmap:latest",
		TargetKind: TargetURL,
		BaseArgs:   []string{"--batch", "-u", targetPlaceholder},
		AllowedFlags: map[string]FlagSpec{
			"--level": {TakesValue: true},
			"--risk":  {TakesValue: true},
			"--dbs":   {},
			"--forms": {},
		},
		SuccessCodes:   []int{0},
		DefaultTimeout: 20 * time.Minute,
	},
	"nuclei": {
		Name:       "nuclei",
		Image:      "projectdiscovery/nuclei:latest",
		TargetKind: TargetURL,
		BaseArgs:   []string{"-u", targetPlaceholder, "-jsonl", "-irr"},
		AllowedFlags: map[string]FlagSpec{
			"-severity": {TakesValue: true},
			"-rl":       {TakesValue: true},
			"-c":        {TakesValue: true},
			"-tags":     {TakesValue: true},
		},
		// nuclei exits 1 when templates matched; findings are a result,
		// not a failure.
		SuccessCodes:   []int{0, 1},
		DefaultTimeout: 15 * time.Minute,
	},
	"gobuster": {
		Name:       "gobuster",
		Image:      "ghcr.io/oj/gobuster:latest",
		TargetKind: TargetURL,
		BaseArgs:   []string{"dir", "-u", targetPlaceholder, "-w", "/usr/share/wordlists/dirb/common.txt"},
		AllowedFlags: map[string]FlagSpec{
			"-t": {TakesValue: true},
			"-x": {TakesValue: true},
			"-s": {TakesValue: true},
			"-k": {},
		},
		SuccessCodes:   []int{0},
		DefaultTimeout: 15 * time.Minute,
	},
}

// Tools lists the allow-listed tool names.
func Tools() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Spec returns the allow-list entry for a tool.
func Spec(tool string) (ToolSpec, bool) {
	spec, ok := registry[tool]
	return spec, ok
}
