// Package store holds the persistence backends behind model.Store. Callers
// depend on the model interfaces; subpackages carry the concrete clients.
package store
