// ABOUTME: Embedded catalog of training modules rendered from markdown
// ABOUTME: Provides lookup by id and title, plus attribute-name to module mapping

package catalog

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
)

//go:embed modules/*.md
var moduleFS embed.FS

// ErrUnknownModule is returned when a module id or title has no entry.
var ErrUnknownModule = errors.New("unknown module")

// Module is one training module.
type Module struct {
	ID        int
	Title     string
	Summary   string
	KeyPoints []string
	HTML      template.HTML
}

// Catalog is an ordered, read-only set of modules.
type Catalog struct {
	modules []Module
	byTitle map[string]int
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the catalog built from the embedded module files.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(moduleFS, "modules")
	})
	return defaultCat, defaultErr
}

// MustDefault is Default for callers that cannot proceed without modules.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

var filePrefix = regexp.MustCompile(`^(\d+)-`)

// Load parses every *.md file in dir of fsys into a catalog.
func Load(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading module directory: %w", err)
	}

	c := &Catalog{byTitle: make(map[string]int)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".md" {
			continue
		}
		m := filePrefix.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("module file %s has no numeric prefix", e.Name())
		}
		id, _ := strconv.Atoi(m[1])

		raw, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		mod, err := parseModule(id, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		c.modules = append(c.modules, mod)
	}

	sort.Slice(c.modules, func(i, j int) bool { return c.modules[i].ID < c.modules[j].ID })
	for i, m := range c.modules {
		if m.ID != i+1 {
			return nil, fmt.Errorf("module ids must be contiguous from 1, found %d at position %d", m.ID, i+1)
		}
		c.byTitle[m.Title] = m.ID
	}
	return c, nil
}

func parseModule(id int, raw []byte) (Module, error) {
	mod := Module{ID: id}

	var body bytes.Buffer
	var summary []string
	inKeyPoints := false

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case mod.Title == "" && strings.HasPrefix(trimmed, "# "):
			mod.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			continue
		case strings.HasPrefix(trimmed, "## "):
			inKeyPoints = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")), "key points")
		case inKeyPoints && strings.HasPrefix(trimmed, "- "):
			mod.KeyPoints = append(mod.KeyPoints, strings.TrimSpace(strings.TrimPrefix(trimmed, "- ")))
		case !inKeyPoints && trimmed != "" && mod.Title != "":
			summary = append(summary, trimmed)
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return mod, err
	}
	if mod.Title == "" {
		return mod, errors.New("missing title heading")
	}
	mod.Summary = strings.Join(summary, " ")

	var html bytes.Buffer
	if err := goldmark.Convert(body.Bytes(), &html); err != nil {
		return mod, fmt.Errorf("rendering markdown: %w", err)
	}
	mod.HTML = template.HTML(html.String())
	return mod, nil
}

// All returns the modules in id order.
func (c *Catalog) All() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// Len is the number of modules.
func (c *Catalog) Len() int { return len(c.modules) }

// Get returns the module with the given id.
func (c *Catalog) Get(id int) (Module, error) {
	if id < 1 || id > len(c.modules) {
		return Module{}, fmt.Errorf("%w: %d", ErrUnknownModule, id)
	}
	return c.modules[id-1], nil
}

// ByTitle returns the module with the given title.
func (c *Catalog) ByTitle(title string) (Module, error) {
	id, ok := c.byTitle[title]
	if !ok {
		return Module{}, fmt.Errorf("%w: %q", ErrUnknownModule, title)
	}
	return c.modules[id-1], nil
}

// TitleOr returns the title of module id, or "Module <id>" if there is none.
func (c *Catalog) TitleOr(id int) string {
	if m, err := c.Get(id); err == nil {
		return m.Title
	}
	return "Module " + strconv.Itoa(id)
}

var firstNumber = regexp.MustCompile(`\d+`)

// ModuleNumber extracts the module number from a disclosed attribute name
// such as "module3_marks". It returns 0 when the name carries no number.
func ModuleNumber(attr string) int {
	m := firstNumber.FindString(attr)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}
