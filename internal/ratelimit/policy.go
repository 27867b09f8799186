package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Category names a group of routes sharing one budget.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryAPI       Category = "api"
	CategoryFiles     Category = "files"
	CategorySensitive Category = "sensitive"
	CategoryPlugins   Category = "plugins"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{CategoryAuth, CategoryAPI, CategoryFiles, CategorySensitive, CategoryPlugins}
}

func (c Category) valid() bool {
	switch c {
	case CategoryAuth, CategoryAPI, CategoryFiles, CategorySensitive, CategoryPlugins:
		return true
	}
	return false
}

// DefaultWindow is the window used by every built-in policy.
const DefaultWindow = 15 * time.Minute

// Policy is the budget for one category.
type Policy struct {
	Category Category
	Window   time.Duration
	Max      int
	Message  string
}

// RetryAfterSeconds is the window rounded up to whole seconds.
func (p Policy) RetryAfterSeconds() int {
	return int((p.Window + time.Second - 1) / time.Second)
}

func (p Policy) validate() error {
	var errs []error
	if !p.Category.valid() {
		errs = append(errs, &UnknownCategoryError{Category: p.Category})
	}
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("%s: window must be positive, got %s", p.Category, p.Window))
	}
	if p.Max <= 0 {
		errs = append(errs, fmt.Errorf("%s: max must be positive, got %d", p.Category, p.Max))
	}
	if p.Message == "" {
		errs = append(errs, fmt.Errorf("%s: message is required", p.Category))
	}
	return errors.Join(errs...)
}

// ErrUnknownCategory matches any *UnknownCategoryError.
var ErrUnknownCategory = errors.New("unknown rate limit category")

type UnknownCategoryError struct {
	Category Category
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown rate limit category %q", string(e.Category))
}

func (e *UnknownCategoryError) Is(target error) bool { return target == ErrUnknownCategory }

// Table is an immutable category -> policy mapping. The zero value is empty;
// build one with DefaultTable or NewTable.
type Table struct {
	policies map[Category]Policy
}

// DefaultTable returns the built-in budgets.
func DefaultTable() Table {
	t, err := NewTable(defaultPolicies()...)
	if err != nil {
		panic("ratelimit: invalid built-in policy: " + err.Error())
	}
	return t
}

func defaultPolicies() []Policy {
	return []Policy{
		{
			Category: CategoryAuth,
			Window:   DefaultWindow,
			Max:      5,
			Message:  "Too many authentication attempts from this IP, please try again later.",
		},
		{
			Category: CategoryAPI,
			Window:   DefaultWindow,
			Max:      100,
			Message:  "Too many API requests from this IP, please try again later.",
		},
		{
			Category: CategoryFiles,
			Window:   DefaultWindow,
			Max:      50,
			Message:  "Too many file operations from this IP, please try again later.",
		},
		{
			Category: CategorySensitive,
			Window:   DefaultWindow,
			Max:      10,
			Message:  "Too many requests to sensitive endpoint from this IP, please try again later.",
		},
		{
			Category: CategoryPlugins,
			Window:   DefaultWindow,
			Max:      20,
			Message:  "Too many plugin requests from this IP, please try again later.",
		},
	}
}

// NewTable validates policies and indexes them by category. A category listed
// twice is an error.
func NewTable(policies ...Policy) (Table, error) {
	m := make(map[Category]Policy, len(policies))
	var errs []error
	for _, p := range policies {
		if err := p.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := m[p.Category]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate policy", p.Category))
			continue
		}
		m[p.Category] = p
	}
	if err := errors.Join(errs...); err != nil {
		return Table{}, err
	}
	return Table{policies: m}, nil
}

// Get returns the policy for c.
func (t Table) Get(c Category) (Policy, error) {
	p, ok := t.policies[c]
	if !ok {
		return Policy{}, &UnknownCategoryError{Category: c}
	}
	return p, nil
}

// Policies returns every policy sorted by category name.
func (t Table) Policies() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Merge returns a copy of t with the fields set in o applied on top. Fields
// left zero in an override keep the current value.
func (t Table) Merge(o Overrides) (Table, error) {
	next := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		next = append(next, p)
	}
	for name, po := range o.Policies {
		c := Category(name)
		idx := -1
		for i := range next {
			if next[i].Category == c {
				idx = i
				break
			}
		}
		if idx < 0 {
			if !c.valid() {
				return Table{}, &UnknownCategoryError{Category: c}
			}
			next = append(next, Policy{Category: c})
			idx = len(next) - 1
		}
		if po.Window > 0 {
			next[idx].Window = po.Window
		}
		if po.Max > 0 {
			next[idx].Max = po.Max
		}
		if po.Message != "" {
			next[idx].Message = po.Message
		}
	}
	return NewTable(next...)
}
