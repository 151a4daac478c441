/*package format handles przm's miniature formatting languages for choosing
timesteps and files, e.g:

   Steps = 0..100 - 63
   Files = runs/{%s,run}.checkpoint/t{%04d,step}.d/r.out

Sequence formats are a generic way to specify non-contiguous sequences of
natural numbers. They consist of a series of n tokens separated by "+" or "-".
Each token can be either a number or two numbers separated by "..". E.g.:

  100
  0..100
  0..10 + 100
  0..100 - 63 - 10..20

These strings build up sequences of numbers by adding/removing individual
numbers and contiguous sequences. For example, 0 through 10 would be 0..10,
and 1, 2, 3, 15, 16, 17 could be written as 1..17 - 4..14. This is useful for
skipping timesteps whose checkpoints were never finished.

File format strings are a combination of fixed text and variables. Variables
are written as {verb,rule}. "verb" is a printf() verb (e.g. %04d) that
specifies how the variable should be printed. "rule" says what values the
variable takes on:

  "step" - The variable is equal to the current timestep.
  "run" - The variable is equal to the current run name (use a %s verb).
  sequence format - The variable ranges over every number in the sequence.

All spaces around "-", "+", and "," symbols are ignored.
*/
package format

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// Any expanded formats which would have more than BigNumber elements are
	// assumed to be bugs.
	BigNumber = 1 << 20
)

// ExpandSequenceFormat expands a sequence format string into a sorted sequence
// of integers.
func ExpandSequenceFormat(format string) ([]int, error) {
	tok, err := tokeniseSequenceFormat(format)
	if err != nil {
		return nil, err
	}
	adds, subs, err := addsSubsSequenceFormat(tok)
	if err != nil {
		return nil, err
	}

	set := map[int]bool{}
	for _, t := range adds {
		lo, hi := parseSequenceFormatToken(t)
		if hi-lo+1 > BigNumber-len(set) {
			return nil, fmt.Errorf("This sequence would have more than %d "+
				"elements, which is almost certainly a bug.", BigNumber)
		}
		for n := lo; n <= hi; n++ {
			if set[n] {
				return nil, fmt.Errorf("The number %d is added more than "+
					"once.", n)
			}
			set[n] = true
		}
	}

	for _, t := range subs {
		lo, hi := parseSequenceFormatToken(t)
		for n := lo; n <= hi; n++ {
			if !set[n] {
				return nil, fmt.Errorf("The number %d is removed more times "+
					"than it was inserted.", n)
			}
			delete(set, n)
		}
	}

	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// tokeniseSequenceFormat splits a sequence format into numbers, ranges, and
// "+"/"-" operators.
func tokeniseSequenceFormat(format string) ([]string, error) {
	clean := strings.ReplaceAll(format, "+", " + ")
	clean = strings.ReplaceAll(clean, "-", " - ")

	tok := strings.Fields(clean)
	if len(tok) == 0 {
		return nil, fmt.Errorf("The format string is empty.")
	}
	return tok, nil
}

// addsSubsSequenceFormat sorts the tokens of a sequence format into the
// tokens which are added and those which are removed. A leading "+" may be
// dropped.
func addsSubsSequenceFormat(tok []string) (adds, subs []string, err error) {
	if len(tok) == 0 {
		return nil, nil, fmt.Errorf("Format string is empty")
	}
	if tok[0] != "+" && tok[0] != "-" {
		tok = append([]string{"+"}, tok...)
	}

	adds, subs = []string{}, []string{}
	for i := 0; i < len(tok); i += 2 {
		if tok[i] != "-" && tok[i] != "+" {
			return nil, nil, fmt.Errorf("'%s' should be a '-' or '+', "+
				"but isn't.", tok[i])
		}
		if i+1 >= len(tok) {
			return nil, nil, fmt.Errorf("The format string ends in a "+
				"trailing '%s'.", tok[i])
		}
		if err := isSequenceFormatToken(tok[i+1]); err != nil {
			return nil, nil, fmt.Errorf("'%s' cannot be parsed because %s",
				tok[i+1], err.Error())
		}

		if tok[i] == "+" {
			adds = append(adds, tok[i+1])
		} else {
			subs = append(subs, tok[i+1])
		}
	}
	return adds, subs, nil
}

// isSequenceFormatToken returns a nil error if tok is a valid number or range
// and an error describing the problem otherwise. The error message assumes it
// is printed after a trailing "because".
func isSequenceFormatToken(tok string) error {
	if len(tok) == 0 {
		return fmt.Errorf("the token is empty.")
	}

	bounds := strings.Split(tok, "..")
	if len(bounds) > 2 {
		return fmt.Errorf("it has more than one '..'.")
	}

	n := make([]int, len(bounds))
	for i := range bounds {
		var err error
		if n[i], err = strconv.Atoi(bounds[i]); err != nil {
			return fmt.Errorf("'%s' is not an integer.", bounds[i])
		}
	}
	if len(n) == 2 && n[1] < n[0] {
		return fmt.Errorf("lower bound %d is larger than upper bound %d.",
			n[0], n[1])
	}
	return nil
}

// parseSequenceFormatToken returns the inclusive range described by a token
// which has already passed isSequenceFormatToken.
func parseSequenceFormatToken(tok string) (lo, hi int) {
	bounds := strings.Split(tok, "..")
	lo, _ = strconv.Atoi(bounds[0])
	if len(bounds) == 1 {
		return lo, lo
	}
	hi, _ = strconv.Atoi(bounds[1])
	return lo, hi
}

// variable is a single {verb,rule} variable in a file format.
type variable struct {
	verb, rule string
	// values is filled in for sequence rules.
	values []int
}

// FileFormat is a parsed file format string.
type FileFormat struct {
	format     string
	separators []string
	vars       []variable
}

// ParseFileFormat parses a file format string.
func ParseFileFormat(format string) (*FileFormat, error) {
	starts, ends, err := startsEndsFormatString(format)
	if err != nil {
		return nil, err
	}

	ff := &FileFormat{format: format}
	prev := 0
	for i := range starts {
		ff.separators = append(ff.separators, format[prev:starts[i]])
		prev = ends[i]

		v, err := parseVariable(format[starts[i]+1 : ends[i]-1])
		if err != nil {
			return nil, fmt.Errorf("The file format '%s' has an invalid "+
				"variable, '%s': %s", format, format[starts[i]:ends[i]],
				err.Error())
		}
		ff.vars = append(ff.vars, v)
	}
	ff.separators = append(ff.separators, format[prev:])
	return ff, nil
}

func parseVariable(s string) (variable, error) {
	tok := strings.SplitN(s, ",", 2)
	if len(tok) != 2 {
		return variable{}, errors.New("variables should contain a formatting " +
			"'verb' (e.g. '%d', '%04d'), a comma, and a rule giving the " +
			"values that the variable takes on (e.g. '0..511', 'step')")
	}

	v := variable{
		verb: strings.TrimSpace(tok[0]), rule: strings.TrimSpace(tok[1]),
	}
	if !strings.HasPrefix(v.verb, "%") {
		return variable{}, fmt.Errorf("'%s' is not a printf verb", v.verb)
	}

	switch v.rule {
	case "step", "run":
	default:
		var err error
		if v.values, err = ExpandSequenceFormat(v.rule); err != nil {
			return variable{}, err
		}
	}
	return v, nil
}

// Expand returns every file name described by the format for a given run
// name and timestep, in order.
func (ff *FileFormat) Expand(run string, step int) []string {
	names := []string{""}
	for i, v := range ff.vars {
		var parts []string
		switch v.rule {
		case "step":
			parts = []string{fmt.Sprintf(v.verb, step)}
		case "run":
			parts = []string{fmt.Sprintf(v.verb, run)}
		default:
			for _, n := range v.values {
				parts = append(parts, fmt.Sprintf(v.verb, n))
			}
		}

		next := make([]string, 0, len(names)*len(parts))
		for _, name := range names {
			for _, p := range parts {
				next = append(next, name+ff.separators[i]+p)
			}
		}
		names = next
	}

	for i := range names {
		names[i] += ff.separators[len(ff.separators)-1]
	}
	return names
}

func (ff *FileFormat) String() string { return ff.format }

// startsEndsFormatString returns the indices of the beginning and end of each
// format variable.
func startsEndsFormatString(format string) (starts, ends []int, err error) {
	starts, ends = []int{}, []int{}
	open := false

	ending := "Make sure variables in file formats are enclosed in matching " +
		"{ ... } pairs."

	for i := range format {
		switch format[i] {
		case '{':
			if open {
				return nil, nil, fmt.Errorf("The file format '%s' has "+
					"nested '{' characters at indices %d and %d. %s",
					format, starts[len(starts)-1], i, ending)
			}
			open = true
			starts = append(starts, i)
		case '}':
			if !open {
				return nil, nil, fmt.Errorf("The file format '%s' has a "+
					"'}' that doesn't come after a '{' at index %d. %s",
					format, i, ending)
			}
			open = false
			ends = append(ends, i+1)
		}
	}

	if open {
		return nil, nil, fmt.Errorf("The file format '%s' has a '{' without "+
			"a matching '}' at index %d. %s",
			format, starts[len(starts)-1], ending)
	}
	return starts, ends, nil
}
