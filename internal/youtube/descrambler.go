package youtube

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/rolledback/cloudgate/internal/provider"
)

// The signature descrambler in the player script is a function of the form
//
//	xy=function(a){a=a.split("");Ab.cd(a,2);Ab.ef(a,31);...;return a.join("")}
//
// where the helper object's members are a reverse, a splice, and an
// index-0/index-n swap. The main function is located by shape, the helper
// object by name, and the call sequence interpreted directly.

type sigOpKind int

const (
	opReverse sigOpKind = iota
	opSplice
	opSwap
)

type sigOp struct {
	kind sigOpKind
	arg  int
}

// sigDescrambler applies the interpreted operation list to a signatureCipher
// query string and returns the final media URL.
type sigDescrambler struct {
	ops []sigOp
}

var (
	sigMainRe   = regexp.MustCompile(`function\(a\)\{a=a\.split\(""\);([^}]*?)return a\.join\(""\)\}`)
	sigCallRe   = regexp.MustCompile(`([a-zA-Z0-9$_]+)\.([a-zA-Z0-9$_]+)\(a,(\d+)\)`)
	sigMemberRe = regexp.MustCompile(`([a-zA-Z0-9$_]+):function\(([^)]*)\)\{([^}]*)\}`)
)

// newSigDescrambler extracts the signature descrambler from the player
// script.
func newSigDescrambler(script string) (*sigDescrambler, error) {
	main := sigMainRe.FindStringSubmatch(script)
	if main == nil {
		return nil, fmt.Errorf("signature function not found in player script: %w", provider.ErrParse)
	}
	calls := sigCallRe.FindAllStringSubmatch(main[1], -1)
	if len(calls) == 0 {
		return nil, fmt.Errorf("signature function has no helper calls: %w", provider.ErrParse)
	}
	helperName := calls[0][1]
	members, err := helperMembers(script, helperName)
	if err != nil {
		return nil, err
	}
	var ops []sigOp
	for _, call := range calls {
		kind, ok := members[call[2]]
		if !ok {
			return nil, fmt.Errorf("unknown helper member %q: %w", call[2], provider.ErrParse)
		}
		arg, err := strconv.Atoi(call[3])
		if err != nil {
			return nil, fmt.Errorf("bad helper argument %q: %w", call[3], provider.ErrParse)
		}
		ops = append(ops, sigOp{kind: kind, arg: arg})
	}
	return &sigDescrambler{ops: ops}, nil
}

// helperMembers classifies the members of the helper object by body shape.
func helperMembers(script, name string) (map[string]sigOpKind, error) {
	idx := strings.Index(script, "var "+name+"=")
	if idx < 0 {
		idx = strings.Index(script, name+"=")
		if idx < 0 {
			return nil, fmt.Errorf("helper object %q not found: %w", name, provider.ErrParse)
		}
	}
	brace := strings.IndexByte(script[idx:], '{')
	if brace < 0 {
		return nil, fmt.Errorf("helper object %q has no body: %w", name, provider.ErrParse)
	}
	body, ok := balancedBraces(script[idx+brace:])
	if !ok {
		return nil, fmt.Errorf("helper object %q is unbalanced: %w", name, provider.ErrParse)
	}
	members := make(map[string]sigOpKind)
	for _, m := range sigMemberRe.FindAllStringSubmatch(body, -1) {
		switch {
		case strings.Contains(m[3], "reverse"):
			members[m[1]] = opReverse
		case strings.Contains(m[3], "splice"):
			members[m[1]] = opSplice
		default:
			members[m[1]] = opSwap
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("helper object %q has no members: %w", name, provider.ErrParse)
	}
	return members, nil
}

// Apply maps a signatureCipher value to the final media URL.
func (d *sigDescrambler) Apply(cipher string) (string, error) {
	params, err := url.ParseQuery(cipher)
	if err != nil {
		return "", fmt.Errorf("bad signature cipher: %w", provider.ErrParse)
	}
	mediaURL := params.Get("url")
	if mediaURL == "" || params.Get("s") == "" {
		return "", fmt.Errorf("signature cipher missing url or s: %w", provider.ErrParse)
	}
	signatureParam := params.Get("sp")
	if signatureParam == "" {
		signatureParam = "signature"
	}
	sig := []byte(params.Get("s"))
	for _, op := range d.ops {
		switch op.kind {
		case opReverse:
			for i, j := 0, len(sig)-1; i < j; i, j = i+1, j-1 {
				sig[i], sig[j] = sig[j], sig[i]
			}
		case opSplice:
			if op.arg < len(sig) {
				sig = sig[op.arg:]
			} else {
				sig = nil
			}
		case opSwap:
			if len(sig) > 0 {
				i := op.arg % len(sig)
				sig[0], sig[i] = sig[i], sig[0]
			}
		}
	}
	return mediaURL + "&" + signatureParam + "=" + url.QueryEscape(string(sig)), nil
}

// The n-parameter transform is an arbitrary JavaScript function; it is
// located via the lookup table next to the "n" query access and executed
// under goja.

var nLookupRe = regexp.MustCompile(`\.get\("n"\)\)&&\(b=([a-zA-Z0-9$_]+)(?:\[(\d+)\])?\([a-zA-Z0-9$_]+[),]`)

const nTableTemplate = `var %s\s*=\s*\[([a-zA-Z0-9$_,]+)\]`

type nDescrambler struct {
	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// newNDescrambler extracts and compiles the n transform, or returns
// (nil, nil) when the player script has none.
func newNDescrambler(script string) (*nDescrambler, error) {
	lookup := nLookupRe.FindStringSubmatch(script)
	if lookup == nil {
		return nil, nil
	}
	name := lookup[1]
	if lookup[2] != "" {
		tableRe, err := regexp.Compile(fmt.Sprintf(nTableTemplate, regexp.QuoteMeta(name)))
		if err != nil {
			return nil, err
		}
		table := tableRe.FindStringSubmatch(script)
		if table == nil {
			return nil, fmt.Errorf("n transform table %q not found: %w", name, provider.ErrParse)
		}
		entries := strings.Split(table[1], ",")
		idx, err := strconv.Atoi(lookup[2])
		if err != nil || idx >= len(entries) {
			return nil, fmt.Errorf("bad n transform table index: %w", provider.ErrParse)
		}
		name = entries[idx]
	}
	source, err := functionSource(script, name)
	if err != nil {
		return nil, err
	}
	vm := goja.New()
	value, err := vm.RunString("(" + source + ")")
	if err != nil {
		return nil, fmt.Errorf("compile n transform: %w: %v", provider.ErrParse, err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("n transform is not a function: %w", provider.ErrParse)
	}
	return &nDescrambler{vm: vm, fn: fn}, nil
}

// Apply maps an n query value to its descrambled replacement.
func (d *nDescrambler) Apply(n string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, err := d.fn(goja.Undefined(), d.vm.ToValue(n))
	if err != nil {
		return "", fmt.Errorf("n transform failed: %w: %v", provider.ErrParse, err)
	}
	return result.String(), nil
}

// functionSource finds `name=function(...){...}` and returns the function
// expression with balanced braces.
func functionSource(script, name string) (string, error) {
	marker := name + "=function("
	idx := strings.Index(script, marker)
	if idx < 0 {
		return "", fmt.Errorf("function %q not found in player script: %w", name, provider.ErrParse)
	}
	start := idx + len(name) + 1
	brace := strings.IndexByte(script[start:], '{')
	if brace < 0 {
		return "", fmt.Errorf("function %q has no body: %w", name, provider.ErrParse)
	}
	body, ok := balancedBraces(script[start+brace:])
	if !ok {
		return "", fmt.Errorf("function %q is unbalanced: %w", name, provider.ErrParse)
	}
	return script[start:start+brace] + body, nil
}

// balancedBraces returns the prefix of s forming one balanced {...} block,
// tolerating string literals.
func balancedBraces(s string) (string, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
