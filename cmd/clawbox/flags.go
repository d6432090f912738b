package main

import (
	"fmt"
	"strconv"
	"strings"
)

// argSet is a minimal order-independent flag parser for the lifecycle
// subcommands: unlike the stdlib flag package, it does not require every
// flag to precede the first positional argument, so "clawbox launch 1
// --developer" and "clawbox launch --developer 1" both work. It is
// intentionally not a general-purpose CLI parser.
type argSet struct {
	bools   map[string]*bool
	strings map[string]*string
	pos     []string
}

func newArgSet() *argSet {
	return &argSet{bools: map[string]*bool{}, strings: map[string]*string{}}
}

func (a *argSet) Bool(name string) *bool {
	v := new(bool)
	a.bools[name] = v
	return v
}

func (a *argSet) String(name, def string) *string {
	v := new(string)
	*v = def
	a.strings[name] = v
	return v
}

// Parse scans args for registered flags in any order; anything else becomes
// a positional argument.
func (a *argSet) Parse(args []string) error {
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "--") {
			a.pos = append(a.pos, tok)
			continue
		}
		name := strings.TrimPrefix(tok, "--")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			val := name[eq+1:]
			name = name[:eq]
			if dst, ok := a.strings[name]; ok {
				*dst = val
				continue
			}
			return fmt.Errorf("unknown or non-value flag: --%s", name)
		}
		if dst, ok := a.bools[name]; ok {
			*dst = true
			continue
		}
		if dst, ok := a.strings[name]; ok {
			if i+1 >= len(args) {
				return fmt.Errorf("flag --%s requires a value", name)
			}
			i++
			*dst = args[i]
			continue
		}
		return fmt.Errorf("unknown flag: --%s", tok[2:])
	}
	return nil
}

// Positional returns the i'th positional argument, or "" if absent.
func (a *argSet) Positional(i int) string {
	if i < 0 || i >= len(a.pos) {
		return ""
	}
	return a.pos[i]
}

// positiveInt parses s as a positive VM number.
func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid int value: '%s'", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("VM number must be >= 1")
	}
	return n, nil
}

// vmNumberOrDefault parses the first positional argument as a VM number,
// defaulting to 1 when absent.
func vmNumberOrDefault(a *argSet) (int, error) {
	pos := a.Positional(0)
	if pos == "" {
		return 1, nil
	}
	return positiveInt(pos)
}

// profileFromShortcuts resolves --profile/--developer/--standard: the two
// shortcuts are mutually exclusive and each wins over the --profile default
// when set.
func profileFromShortcuts(profileFlag string, developer, standard bool) (string, error) {
	if developer && standard {
		return "", fmt.Errorf("--developer and --standard are mutually exclusive")
	}
	if developer {
		return "developer", nil
	}
	if standard {
		return "standard", nil
	}
	return profileFlag, nil
}
