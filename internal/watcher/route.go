package watcher

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vonshlovens/fieldsync/internal/model"
)

// Target says which record an inbox file becomes
type Target struct {
	Type          model.EntityType
	ParentLocalID string
}

var routes = []struct {
	pattern string
	typ     model.EntityType
}{
	{"photos/*/*", model.Photos},
	{"documents/*/*", model.Documents},
}

// Route maps an inbox path to its target: photos/<inspection>/<file> becomes
// a photo of that inspection, documents/<project>/<file> a project document.
func Route(rel string) (Target, bool) {
	for _, r := range routes {
		if matched, _ := doublestar.Match(r.pattern, rel); !matched {
			continue
		}
		parts := strings.Split(rel, "/")
		if strings.HasPrefix(parts[2], ".") {
			return Target{}, false
		}
		return Target{Type: r.typ, ParentLocalID: parts[1]}, true
	}
	return Target{}, false
}
