package media

import (
	"context"
	"fmt"
	"io"
)

// PutOptions describe the object being written.
type PutOptions struct {
	ContentType string
	// Metadata is stored alongside the object (e.g. a delivery transformation).
	Metadata map[string]string
}

// MediaStore writes uploaded media to object storage.
type MediaStore interface {
	// Put streams body to key and returns the public locator of the object.
	// Put reads body until EOF or error and must not buffer the whole object.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (string, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
}

// Object is a stored object opened for reading.
type Object struct {
	io.ReadCloser
	ContentType string
	Size        int64
	Name        string
}

// Opener is implemented by media stores that can serve objects themselves.
type Opener interface {
	Open(ctx context.Context, id string) (*Object, error)
}

// Loader creates a MediaStore from config.
type Loader func(ctx context.Context) (MediaStore, error)

// Plugin represents a media store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a media store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered media store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named media store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown media store %q; valid: %v", name, Names())
}
