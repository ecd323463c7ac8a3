package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-resilience/utils"
)

type compiledRoute struct {
	method     string
	pattern    string
	handler    fasthttp.RequestHandler
	paramNames []string
	segments   []string
}

// Router dispatches on exact method and path first, then on patterns with
// {param} or :param segments. Matched params are set as user values.
type Router struct {
	mu           sync.RWMutex
	staticRoutes map[string]fasthttp.RequestHandler
	staticPaths  map[string]struct{}
	dynamic      []*compiledRoute
}

func NewRouter() *Router {
	return &Router{
		staticRoutes: make(map[string]fasthttp.RequestHandler),
		staticPaths:  make(map[string]struct{}),
	}
}

func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodGet, path, handler)
}

func (r *Router) POST(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPost, path, handler)
}

func (r *Router) Add(method, path string, handler fasthttp.RequestHandler) {
	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{:") {
		r.staticRoutes[method+":"+path] = handler
		r.staticPaths[path] = struct{}{}
		return
	}

	r.dynamic = append(r.dynamic, &compiledRoute{
		method:     method,
		pattern:    path,
		handler:    handler,
		paramNames: extractParamNames(path),
		segments:   parsePathSegments(path),
	})
}

func (r *Router) Handler() fasthttp.RequestHandler {
	return r.serve
}

func (r *Router) serve(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := normalizePath(string(ctx.Path()))

	r.mu.RLock()
	handler, ok := r.staticRoutes[method+":"+path]
	_, pathKnown := r.staticPaths[path]
	r.mu.RUnlock()

	if ok {
		handler(ctx)
		return
	}

	route, params, methodMismatch := r.findDynamic(method, path)
	if route != nil {
		for name, value := range params {
			ctx.SetUserValue(name, value)
		}
		route.handler(ctx)
		return
	}

	if pathKnown || methodMismatch {
		utils.CreateErrorResponse(ctx, fasthttp.StatusMethodNotAllowed, "method "+method+" not allowed for "+path)
		return
	}

	utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "no route for "+path)
}

func (r *Router) findDynamic(method, path string) (*compiledRoute, map[string]string, bool) {
	segments := parsePathSegments(path)
	methodMismatch := false

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.dynamic {
		params, ok := matchRoute(segments, route)
		if !ok {
			continue
		}
		if route.method != method {
			methodMismatch = true
			continue
		}
		return route, params, false
	}

	return nil, nil, methodMismatch
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}

	return strings.Split(path, "/")
}

func isParamSegment(segment string) bool {
	return strings.HasPrefix(segment, ":") ||
		(strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}"))
}

func extractParamNames(pattern string) []string {
	var params []string

	for _, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, seg[1:len(seg)-1])
		} else if strings.HasPrefix(seg, ":") {
			params = append(params, seg[1:])
		}
	}

	return params
}

func matchRoute(pathSegments []string, route *compiledRoute) (map[string]string, bool) {
	if len(pathSegments) != len(route.segments) {
		return nil, false
	}

	var params map[string]string
	paramIdx := 0

	for i, routeSegment := range route.segments {
		if isParamSegment(routeSegment) {
			if params == nil {
				params = make(map[string]string, len(route.paramNames))
			}
			params[route.paramNames[paramIdx]] = pathSegments[i]
			paramIdx++
		} else if routeSegment != pathSegments[i] {
			return nil, false
		}
	}

	return params, true
}
