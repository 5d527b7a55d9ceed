// Package routes classifies processing routes from static metadata. The
// classification decides whether retry and correlation policy applies to a
// message; unresolvable routes are treated conservatively as non-retryable,
// non-correlated pass-through by the engine.
package routes

import (
	"regexp"
	"strings"
)

// Direction says whether a route receives requests from an external system or
// sends them to one.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// RouteType is the immutable classification of a route. A zero RouteType means
// "unclassified" and disables retry/correlation policy.
type RouteType struct {
	Direction   Direction
	Synchronous bool
}

// Classified reports whether the route resolved to a known type.
func (rt RouteType) Classified() bool {
	return rt.Direction != ""
}

// Correlated reports whether messages on this route participate in
// request/response correlation. Only classified asynchronous routes do.
func (rt RouteType) Correlated() bool {
	return rt.Classified() && !rt.Synchronous
}

// Input reports whether the route is an inbound route.
func (rt RouteType) Input() bool {
	return rt.Direction == DirectionIn
}

// Well-known route types.
var (
	SyncIn   = RouteType{Direction: DirectionIn, Synchronous: true}
	AsyncIn  = RouteType{Direction: DirectionIn, Synchronous: false}
	SyncOut  = RouteType{Direction: DirectionOut, Synchronous: true}
	AsyncOut = RouteType{Direction: DirectionOut, Synchronous: false}
)

// RouteTypeInfo carries the static metadata a resolver may use. Either field
// may be empty; resolvers fall back from RouteID to URI.
type RouteTypeInfo struct {
	RouteID string
	URI     string
}

// Resolver derives a RouteType from route metadata. Resolvers never error:
// a false second return means "this resolver cannot tell".
type Resolver interface {
	Resolve(info RouteTypeInfo) (RouteType, bool)
}

// Route-id naming convention: "<service>_<operation>_in" or "_out", with an
// optional "_async" marker. Examples: "hello_greet_in", "billing_charge_out_async".
var routeIDPattern = regexp.MustCompile(`^.+_.+_(in|out)(_async)?$`)

// RouteIDResolver classifies by the route identifier suffix convention.
type RouteIDResolver struct{}

func (RouteIDResolver) Resolve(info RouteTypeInfo) (RouteType, bool) {
	id := strings.TrimSpace(info.RouteID)
	if id == "" {
		return RouteType{}, false
	}
	m := routeIDPattern.FindStringSubmatch(id)
	if m == nil {
		return RouteType{}, false
	}
	rt := RouteType{Synchronous: m[2] == ""}
	if m[1] == "in" {
		rt.Direction = DirectionIn
	} else {
		rt.Direction = DirectionOut
	}
	return rt, true
}

// URIRule binds a URI pattern to a RouteType for the URIResolver.
type URIRule struct {
	Pattern *regexp.Regexp
	Type    RouteType
}

// URIResolver classifies by matching the endpoint URI against an ordered rule
// list; the first match wins.
type URIResolver struct {
	rules []URIRule
}

// NewURIResolver builds a resolver over the given rules. With no rules the
// default scheme conventions apply: "async:" and "asynch:" URIs are
// asynchronous inbound, "direct:" URIs are synchronous inbound.
func NewURIResolver(rules ...URIRule) *URIResolver {
	if len(rules) == 0 {
		rules = []URIRule{
			{Pattern: regexp.MustCompile(`^asynch?:`), Type: AsyncIn},
			{Pattern: regexp.MustCompile(`^direct:`), Type: SyncIn},
		}
	}
	return &URIResolver{rules: rules}
}

func (r *URIResolver) Resolve(info RouteTypeInfo) (RouteType, bool) {
	uri := strings.TrimSpace(info.URI)
	if uri == "" {
		return RouteType{}, false
	}
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(uri) {
			return rule.Type, true
		}
	}
	return RouteType{}, false
}

// Classifier runs an ordered resolver chain with a read-only cache of known
// route definitions. The cache is populated once at construction and never
// mutated afterwards, so a Classifier is safely shared across workers without
// locking.
type Classifier struct {
	resolvers []Resolver
	cache     map[string]RouteType
}

// Definition is a route known at startup, cached by its RouteID.
type Definition struct {
	Info RouteTypeInfo
}

// NewClassifier builds a classifier. With no resolvers the default chain is
// the URI resolver followed by the route-id resolver, mirroring the order the
// route metadata is usually most specific in.
func NewClassifier(defs []Definition, resolvers ...Resolver) *Classifier {
	if len(resolvers) == 0 {
		resolvers = []Resolver{NewURIResolver(), RouteIDResolver{}}
	}
	c := &Classifier{
		resolvers: resolvers,
		cache:     make(map[string]RouteType, len(defs)),
	}
	for _, def := range defs {
		if def.Info.RouteID == "" {
			continue
		}
		if rt, ok := c.resolve(def.Info); ok {
			c.cache[def.Info.RouteID] = rt
		}
	}
	return c
}

// Classify resolves the route type for the given metadata. It never errors;
// a false second return means no registered pattern matched and the caller
// must treat the route as pass-through.
func (c *Classifier) Classify(info RouteTypeInfo) (RouteType, bool) {
	if info.RouteID != "" {
		if rt, ok := c.cache[info.RouteID]; ok {
			return rt, true
		}
	}
	return c.resolve(info)
}

// IsInputRoute is a convenience query over the same classification.
func (c *Classifier) IsInputRoute(info RouteTypeInfo) bool {
	rt, ok := c.Classify(info)
	return ok && rt.Input()
}

func (c *Classifier) resolve(info RouteTypeInfo) (RouteType, bool) {
	for _, r := range c.resolvers {
		if rt, ok := r.Resolve(info); ok {
			return rt, true
		}
	}
	return RouteType{}, false
}
