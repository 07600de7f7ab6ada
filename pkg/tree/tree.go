// Package tree provides helpers for working with file trees returned by the
// tree endpoint.
package tree

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/markpippins/throttler/pkg/models"
)

// Walk calls fn for every node in depth-first order with its depth below
// root. Returning false from fn skips the node's children.
func Walk(root *models.FileNode, fn func(n *models.FileNode, depth int) bool) {
	walk(root, 0, fn)
}

func walk(n *models.FileNode, depth int, fn func(*models.FileNode, int) bool) {
	if n == nil || !fn(n, depth) {
		return
	}
	for _, child := range n.Children {
		walk(child, depth+1, fn)
	}
}

// Stats summarizes a tree.
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
}

// Count tallies the nodes below root, excluding root itself.
func Count(root *models.FileNode) Stats {
	var s Stats
	Walk(root, func(n *models.FileNode, depth int) bool {
		if depth == 0 {
			return true
		}
		if n.IsDir() {
			s.Dirs++
		} else {
			s.Files++
			s.Bytes += n.Size
		}
		return true
	})
	return s
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(root *models.FileNode) map[string]*models.FileNode {
	result := make(map[string]*models.FileNode)
	Walk(root, func(n *models.FileNode, _ int) bool {
		result[n.Path] = n
		return true
	})
	return result
}

// Render writes root in the familiar box-drawing layout, one node per line.
// With sizes set, files are annotated with their human-readable size.
func Render(w io.Writer, root *models.FileNode, sizes bool) error {
	if root == nil {
		return nil
	}
	name := root.Path
	if name == "" {
		name = root.Name
	}
	if _, err := fmt.Fprintln(w, name); err != nil {
		return err
	}
	return render(w, root.Children, "", sizes)
}

func render(w io.Writer, nodes []*models.FileNode, prefix string, sizes bool) error {
	for i, n := range nodes {
		branch, next := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, next = "└── ", "    "
		}

		label := n.Name
		switch {
		case n.IsDir():
			label += "/"
		case sizes:
			label += " (" + humanize.IBytes(uint64(n.Size)) + ")"
		}
		if _, err := fmt.Fprintln(w, prefix+branch+label); err != nil {
			return err
		}
		if err := render(w, n.Children, prefix+next, sizes); err != nil {
			return err
		}
	}
	return nil
}
