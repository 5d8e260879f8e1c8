package security

import (
	"strings"

	"github.com/mucan54/remoteql/internal/qerr"
)

// DefaultChainMethods is the default allow-list for non-terminal steps:
// filtering, ordering, limiting and relation-loading operations that refine
// a query without executing it.
var DefaultChainMethods = []string{
	"where", "orWhere",
	"whereIn", "whereNotIn",
	"whereNull", "whereNotNull",
	"whereBetween", "whereDate",
	"whereHas", "whereDoesntHave",
	"orderBy", "orderByDesc", "latest", "oldest",
	"limit", "take", "offset", "skip",
	"select", "with",
}

// DefaultTerminalMethods is the default allow-list for the single executing
// operation at the end of a chain.
var DefaultTerminalMethods = []string{
	"get", "first", "find",
	"count", "sum", "avg", "min", "max",
	"exists", "doesntExist",
	"paginate", "simplePaginate",
	"pluck", "value",
}

// forbiddenMethods is the immutable deny-list. It blocks raw SQL fragments,
// writes and schema-destructive operations even when an operator
// misconfigures an allow-list to include them. Names are compared
// case-insensitively so naming-collision variants across ORM versions
// cannot slip through.
var forbiddenMethods = map[string]struct{}{
	"whereraw":    {},
	"orwhereraw":  {},
	"havingraw":   {},
	"orderbyraw":  {},
	"selectraw":   {},
	"groupbyraw":  {},
	"fromraw":     {},
	"raw":         {},
	"insert":      {},
	"create":      {},
	"update":      {},
	"upsert":      {},
	"save":        {},
	"delete":      {},
	"destroy":     {},
	"forcedelete": {},
	"truncate":    {},
	"drop":        {},
	"statement":   {},
	"unprepared":  {},
	"eval":        {},
	"exec":        {},
	"dd":          {},
	"dump":        {},
}

// MethodValidator holds the two disjoint allow-lists. A method must appear
// in the list matching its position in the AST; the deny-list is checked
// first and cannot be overridden by configuration.
type MethodValidator struct {
	chain    map[string]struct{}
	terminal map[string]struct{}
}

// NewMethodValidator builds a validator from the given lists, falling back
// to the defaults when a list is nil.
func NewMethodValidator(chainMethods, terminalMethods []string) *MethodValidator {
	if chainMethods == nil {
		chainMethods = DefaultChainMethods
	}
	if terminalMethods == nil {
		terminalMethods = DefaultTerminalMethods
	}
	v := &MethodValidator{
		chain:    make(map[string]struct{}, len(chainMethods)),
		terminal: make(map[string]struct{}, len(terminalMethods)),
	}
	for _, m := range chainMethods {
		v.chain[m] = struct{}{}
	}
	for _, m := range terminalMethods {
		v.terminal[m] = struct{}{}
	}
	return v
}

// ValidateChain admits a method in chain position.
func (v *MethodValidator) ValidateChain(method string) error {
	if err := checkForbidden(method); err != nil {
		return err
	}
	if _, ok := v.chain[method]; !ok {
		return qerr.New(qerr.KindSecurity, "method %q is not allowed in a query chain", method)
	}
	return nil
}

// ValidateTerminal admits a method in terminal position.
func (v *MethodValidator) ValidateTerminal(method string) error {
	if err := checkForbidden(method); err != nil {
		return err
	}
	if _, ok := v.terminal[method]; !ok {
		return qerr.New(qerr.KindSecurity, "method %q is not an allowed terminal operation", method)
	}
	return nil
}

func checkForbidden(method string) error {
	if _, ok := forbiddenMethods[strings.ToLower(method)]; ok {
		return qerr.New(qerr.KindSecurity, "method %q is forbidden", method)
	}
	return nil
}
