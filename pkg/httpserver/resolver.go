package httpserver

//go:generate mockgen -package=mock -source=resolver.go -destination=mock/resolver.go

import (
	guardian "github.com/entity-guardian/entity-guardian"
)

// Resolver maps a URL entity name to the resource that serves it
type Resolver interface {
	Resolve(name string) (guardian.Resource, error)
}
