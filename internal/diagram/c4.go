package diagram

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

// C4 entity keywords and their D2 shapes. Db variants always map to cylinder,
// Queue variants to queue, Person to person, everything else to rectangle.
func c4Shape(keyword string) string {
	base := strings.TrimSuffix(keyword, "_Ext")
	switch {
	case strings.HasSuffix(base, "Db"):
		return "cylinder"
	case strings.HasSuffix(base, "Queue"):
		return "queue"
	case base == "Person":
		return "person"
	default:
		return "rectangle"
	}
}

var (
	c4EntityRe   = regexp.MustCompile(`^(Person|System|Container|Component)(Db|Queue)?(_Ext)?\((.*)\)$`)
	c4RelRe      = regexp.MustCompile(`^(Bi)?Rel(_[A-Za-z]+)?\((.*)\)$`)
	c4BoundaryRe = regexp.MustCompile(`^(Enterprise_|System_|Container_)?Boundary\((.*)\)\s*\{?$`)
)

type c4Entity struct {
	id       string
	boundary string // empty when declared at top level; fixed at declaration time
}

// ConvertC4ToD2 translates line-oriented C4 source (PlantUML-C4 style entity,
// relationship, and boundary statements) into D2. Single pass, no
// backtracking: an entity's container is whatever boundary is open at its
// declaration and never changes afterwards.
func ConvertC4ToD2(src string) (string, error) {
	var (
		out       strings.Builder
		rels      []string
		entities  = map[string]c4Entity{}
		boundary  []string // open boundary id stack
	)

	indent := func() string { return strings.Repeat("  ", len(boundary)) }

	for lineNo, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimSuffix(line, ";")
		if line == "" || strings.HasPrefix(line, "'") || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "@") || strings.HasPrefix(line, "title") ||
			strings.HasPrefix(line, "!") {
			continue
		}

		if line == "}" {
			if len(boundary) == 0 {
				return "", apperr.Newf(apperr.Validation, "c4 line %d: unmatched closing brace", lineNo+1)
			}
			boundary = boundary[:len(boundary)-1]
			out.WriteString(indent() + "}\n")
			continue
		}

		if m := c4BoundaryRe.FindStringSubmatch(line); m != nil {
			args := splitC4Args(m[2])
			if len(args) < 2 {
				return "", apperr.Newf(apperr.Validation, "c4 line %d: boundary needs id and label", lineNo+1)
			}
			id := args[0]
			fmt.Fprintf(&out, "%s%s: {\n", indent(), id)
			boundary = append(boundary, id)
			fmt.Fprintf(&out, "%slabel: %q\n", indent(), args[1])
			continue
		}

		if m := c4EntityRe.FindStringSubmatch(line); m != nil {
			args := splitC4Args(m[4])
			if len(args) < 2 {
				return "", apperr.Newf(apperr.Validation, "c4 line %d: entity needs id and label", lineNo+1)
			}
			id, label := args[0], args[1]
			if len(args) >= 4 && args[3] != "" {
				label += "\n[" + args[3] + "]"
			}
			owner := ""
			if len(boundary) > 0 {
				owner = boundary[len(boundary)-1]
			}
			entities[id] = c4Entity{id: id, boundary: owner}
			fmt.Fprintf(&out, "%s%s: %q {\n%s  shape: %s\n%s}\n",
				indent(), id, label, indent(), c4Shape(m[1]+m[2]+m[3]), indent())
			continue
		}

		if m := c4RelRe.FindStringSubmatch(line); m != nil {
			args := splitC4Args(m[3])
			if len(args) < 3 {
				return "", apperr.Newf(apperr.Validation, "c4 line %d: relationship needs from, to, label", lineNo+1)
			}
			from, to, label := scopedID(entities, args[0]), scopedID(entities, args[1]), args[2]
			if len(args) >= 4 && args[3] != "" {
				label += "\n[" + args[3] + "]"
			}
			arrow := "->"
			if m[1] == "Bi" {
				arrow = "<->"
			}
			if m[2] == "_Back" {
				from, to = to, from
			}
			rels = append(rels, fmt.Sprintf("%s %s %s: %q", from, arrow, to, label))
			continue
		}

		return "", apperr.Newf(apperr.Validation, "c4 line %d: unrecognised statement: %s", lineNo+1, line)
	}

	if len(boundary) > 0 {
		return "", apperr.New(apperr.Validation, "c4: unclosed boundary")
	}

	for _, r := range rels {
		out.WriteString(r + "\n")
	}
	return out.String(), nil
}

// scopedID rewrites an endpoint as boundary.entity when the entity was
// declared inside a boundary.
func scopedID(entities map[string]c4Entity, id string) string {
	if e, ok := entities[id]; ok && e.boundary != "" {
		return e.boundary + "." + id
	}
	return id
}

// splitC4Args splits a C4 argument list on commas, honouring double quotes.
// Quotes are stripped from the returned values.
func splitC4Args(s string) []string {
	var (
		args     []string
		current  strings.Builder
		inQuotes bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 || len(args) > 0 {
		args = append(args, strings.TrimSpace(current.String()))
	}
	return args
}
