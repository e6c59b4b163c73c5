package security

import (
	"fmt"
	"slices"
	"strings"
)

// Field names a logical resource attribute independent of the table it lives in.
type Field string

const (
	FieldTenant      Field = "tenant"
	FieldOwner       Field = "owner"
	FieldAccessLevel Field = "access_level"
	FieldProject     Field = "project"
	FieldGroups      Field = "groups"
)

// Kind maps logical fields onto the columns of one resource table.
type Kind struct {
	Name    string
	Columns map[Field]string
}

var (
	KindDocuments = Kind{Name: "documents", Columns: accessColumns()}
	KindChunks    = Kind{Name: "chunks", Columns: accessColumns()}
	// Graph rows carry only a tenant; their visibility is the tenant's.
	KindGraphNodes = Kind{Name: "graph_nodes", Columns: map[Field]string{FieldTenant: "tenant_id"}}
	KindGraphEdges = Kind{Name: "graph_edges", Columns: map[Field]string{FieldTenant: "tenant_id"}}
)

func accessColumns() map[Field]string {
	return map[Field]string{
		FieldTenant:      "tenant_id",
		FieldOwner:       "owner_id",
		FieldAccessLevel: "access_level",
		FieldProject:     "project_id",
		FieldGroups:      "acl_groups",
	}
}

// Qualify returns a copy of the kind whose columns are prefixed with alias.
func (k Kind) Qualify(alias string) Kind {
	if alias == "" {
		return k
	}
	columns := make(map[Field]string, len(k.Columns))
	for field, column := range k.Columns {
		columns[field] = alias + "." + column
	}
	return Kind{Name: k.Name, Columns: columns}
}

func (k Kind) hasAccessColumns() bool {
	_, ok := k.Columns[FieldAccessLevel]
	return ok
}

func (k Kind) column(field Field) string {
	column, ok := k.Columns[field]
	if !ok {
		panic(fmt.Sprintf("security: kind %s has no column for %s", k.Name, field))
	}
	return column
}

// Predicate is a boolean expression over resource fields. It renders to SQL
// and evaluates in memory with identical semantics.
type Predicate interface {
	render(kind Kind, args *[]any) string
	admits(r Resource) bool
}

type eqPredicate struct {
	field  Field
	value  string
	negate bool
}

func Eq(field Field, value string) Predicate { return eqPredicate{field: field, value: value} }
func Neq(field Field, value string) Predicate {
	return eqPredicate{field: field, value: value, negate: true}
}

func (p eqPredicate) render(kind Kind, args *[]any) string {
	*args = append(*args, p.value)
	op := "="
	if p.negate {
		op = "<>"
	}
	return fmt.Sprintf("%s %s $%d", kind.column(p.field), op, len(*args))
}

func (p eqPredicate) admits(r Resource) bool {
	return (r.field(p.field) == p.value) != p.negate
}

type overlapsPredicate struct {
	field  Field
	values []string
}

// Overlaps matches when the array field shares at least one element with values.
func Overlaps(field Field, values []string) Predicate {
	return overlapsPredicate{field: field, values: slices.Clone(values)}
}

func (p overlapsPredicate) render(kind Kind, args *[]any) string {
	*args = append(*args, p.values)
	return fmt.Sprintf("%s && $%d::text[]", kind.column(p.field), len(*args))
}

func (p overlapsPredicate) admits(r Resource) bool {
	for _, group := range r.ACLGroups {
		if slices.Contains(p.values, group) {
			return true
		}
	}
	return false
}

type junction struct {
	op    string
	terms []Predicate
}

func And(terms ...Predicate) Predicate { return junction{op: "AND", terms: compact(terms)} }
func Or(terms ...Predicate) Predicate  { return junction{op: "OR", terms: compact(terms)} }

func compact(terms []Predicate) []Predicate {
	out := make([]Predicate, 0, len(terms))
	for _, term := range terms {
		if term != nil {
			out = append(out, term)
		}
	}
	return out
}

func (j junction) render(kind Kind, args *[]any) string {
	switch len(j.terms) {
	case 0:
		if j.op == "AND" {
			return "TRUE"
		}
		return "FALSE"
	case 1:
		return j.terms[0].render(kind, args)
	}
	parts := make([]string, len(j.terms))
	for i, term := range j.terms {
		parts[i] = term.render(kind, args)
	}
	return "(" + strings.Join(parts, " "+j.op+" ") + ")"
}

func (j junction) admits(r Resource) bool {
	if j.op == "AND" {
		for _, term := range j.terms {
			if !term.admits(r) {
				return false
			}
		}
		return true
	}
	for _, term := range j.terms {
		if term.admits(r) {
			return true
		}
	}
	return false
}

// Query is a filter over one resource kind.
type Query struct {
	Kind  Kind
	Where Predicate
}

func NewQuery(kind Kind) Query {
	return Query{Kind: kind}
}

// SQL renders the filter as a WHERE fragment whose placeholders start at
// $startArg, returning the fragment and its positional arguments.
func (q Query) SQL(startArg int) (string, []any) {
	if q.Where == nil {
		return "TRUE", nil
	}
	args := make([]any, startArg-1, startArg+7)
	clause := q.Where.render(q.Kind, &args)
	return clause, args[startArg-1:]
}

// Admits evaluates the filter against a materialised resource row.
func (q Query) Admits(r Resource) bool {
	if q.Where == nil {
		return true
	}
	return q.Where.admits(r)
}

// BuildQueryFilter narrows q to the rows sc may read. For every row the
// result admits it exactly when CanAccess allows it.
func BuildQueryFilter(sc SecurityContext, q Query) Query {
	if sc.TenantID == "" {
		return Query{Kind: q.Kind, Where: Or()}
	}
	where := And(q.Where, Eq(FieldTenant, sc.TenantID))
	if sc.IsAdmin() || !q.Kind.hasAccessColumns() {
		return Query{Kind: q.Kind, Where: where}
	}

	levels := []Predicate{Eq(FieldAccessLevel, string(AccessTenant))}
	if sc.ProjectID != "" {
		levels = append(levels, And(Eq(FieldAccessLevel, string(AccessProject)), Eq(FieldProject, sc.ProjectID)))
	}
	if len(sc.Groups) > 0 {
		levels = append(levels, And(Eq(FieldAccessLevel, string(AccessTeam)), Overlaps(FieldGroups, sc.Groups)))
	}

	visible := []Predicate{Eq(FieldOwner, sc.UserID)}
	if sc.hasSystemRole() {
		visible = append(visible, Eq(FieldOwner, SystemOwner), Or(levels...))
	} else {
		// System-owned rows stay hidden whatever their access level.
		visible = append(visible, And(Neq(FieldOwner, SystemOwner), Or(levels...)))
	}

	return Query{Kind: q.Kind, Where: And(where, Or(visible...))}
}
