package router

import (
	"bytes"
)

// radix tree node, one node per path segment
type Node struct {
	prefix []byte
	ch     []Node // children in flat area for data locality to not miss the cache
	route  *Route
}

func InitRoot() Node {
	return Node{
		ch: make([]Node, 0),
	}
}

// insert node to tree that means link path and route
func (n *Node) Insert(path []byte, r Route) {
	// toggle first slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	// split our url to segments /api/handler -> {api, handler}
	segm := bytes.Split(path, []byte("/"))
	cur := n

	for _, s := range segm {
		// skip empty route (/)
		if len(s) == 0 {
			continue
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			if bytes.Equal(cur.ch[i].prefix, s) {
				idx = i
				break
			}
		}

		// if no target -> make new Node
		if idx == -1 {
			cur.ch = append(cur.ch, Node{
				prefix: bytes.Clone(s),
				ch:     make([]Node, 0),
			})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.route = &r
}

// check if req path match any route, segments must match whole
func (n *Node) Match(path []byte) *Route {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	cur := n
	for len(path) > 0 {
		found := false

		for i := range cur.ch {
			c := &cur.ch[i]

			if bytes.HasPrefix(path, c.prefix) {
				rem := path[len(c.prefix):]
				if len(rem) == 0 || rem[0] == '/' {
					path = rem
					cur = c
					found = true
					break
				}
			}
		}
		if !found {
			return nil
		}

		if len(path) > 0 && path[0] == '/' {
			path = path[1:]
		}
	}
	return cur.route
}
