// routing table of the resolver
// maps request paths to page aliases and credential actions, everything else is a file
package router

type Kind uint8

const (
	Page     Kind = iota // serve Target instead of request path
	Login                // check credentials from POST body
	Register             // create user from POST body
)

type Route struct {
	Kind   Kind
	Target string
}

type HTTPRouter struct {
	treeroot Node
}

// init a new router
func NewHTTPRouter() *HTTPRouter {
	return &HTTPRouter{
		treeroot: InitRoot(),
	}
}

func (r *HTTPRouter) Route(path string, rt Route) {
	r.treeroot.Insert([]byte(path), rt)
}

// nil if path is not routed
func (r *HTTPRouter) Serve(path []byte) *Route {
	return r.treeroot.Match(path)
}

// routes of the bundled site
// numeric aliases and CGISQL.cgi actions are kept for old pages that link to them
func Default(index string) *HTTPRouter {
	r := NewHTTPRouter()

	r.Route("/", Route{Kind: Page, Target: index})
	r.Route("/0", Route{Kind: Page, Target: "/register.html"})
	r.Route("/1", Route{Kind: Page, Target: "/log.html"})
	r.Route("/5", Route{Kind: Page, Target: "/picture.html"})
	r.Route("/6", Route{Kind: Page, Target: "/video.html"})
	r.Route("/7", Route{Kind: Page, Target: "/fans.html"})

	r.Route("/login", Route{Kind: Login})
	r.Route("/2CGISQL.cgi", Route{Kind: Login})
	r.Route("/register", Route{Kind: Register})
	r.Route("/3CGISQL.cgi", Route{Kind: Register})
	return r
}
