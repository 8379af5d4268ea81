package vault

import (
	"bytes"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

var frontmatterPattern = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n`)

// frontmatter is the YAML header of a note. It is kept as a node tree so that
// rewriting a file preserves key order and comments.
type frontmatter struct {
	root *yaml.Node
}

func newFrontmatter() *frontmatter {
	return &frontmatter{root: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// parseFrontmatter splits content into its header and body. Content without a
// header, or with a header that is not a YAML mapping, yields an empty header
// and the whole content as body.
func parseFrontmatter(content string) (*frontmatter, string) {
	loc := frontmatterPattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return newFrontmatter(), content
	}
	body := content[loc[1]:]

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content[loc[2]:loc[3]]), &doc); err != nil {
		return newFrontmatter(), content
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return newFrontmatter(), body
	}

	n := doc.Content[0]
	switch {
	case n.Kind == yaml.MappingNode:
		return &frontmatter{root: n}, body
	case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
		return newFrontmatter(), body
	default:
		return newFrontmatter(), content
	}
}

func (f *frontmatter) empty() bool { return len(f.root.Content) == 0 }

func (f *frontmatter) get(key string) *yaml.Node {
	for i := 0; i+1 < len(f.root.Content); i += 2 {
		if f.root.Content[i].Value == key {
			return f.root.Content[i+1]
		}
	}
	return nil
}

func (f *frontmatter) set(key string, value *yaml.Node) {
	for i := 0; i+1 < len(f.root.Content); i += 2 {
		if f.root.Content[i].Value == key {
			f.root.Content[i+1] = value
			return
		}
	}
	f.root.Content = append(f.root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

// text returns the value of key when it is a non-empty scalar.
func (f *frontmatter) text(key string) (string, bool) {
	n := f.get(key)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" || n.Value == "" {
		return "", false
	}
	return n.Value, true
}

func (f *frontmatter) setText(key, value string) {
	f.set(key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

// tags returns the string tags of the header. A single string counts as a
// one-element list. exact reports whether the stored value is exactly that
// list of strings.
func (f *frontmatter) tags() (tags []string, exact bool) {
	n := f.get("tags")
	if n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null") {
		return nil, true
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			return []string{n.Value}, true
		}
		return nil, false
	case yaml.SequenceNode:
		exact = true
		for _, item := range n.Content {
			if item.Kind == yaml.ScalarNode && item.Tag == "!!str" {
				tags = append(tags, item.Value)
			} else {
				exact = false
			}
		}
		return tags, exact
	default:
		return nil, false
	}
}

func (f *frontmatter) setTags(tags []string) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	if len(tags) == 0 {
		seq.Style = yaml.FlowStyle
	}
	for _, t := range tags {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t})
	}
	f.set("tags", seq)
}

// render serialises the header including its delimiters and the blank line
// that separates it from the body. An empty header renders as "".
func (f *frontmatter) render() (string, error) {
	if f.empty() {
		return "", nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f.root); err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}
	return "---\n" + buf.String() + "---\n\n", nil
}
