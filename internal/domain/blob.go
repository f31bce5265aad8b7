package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader lists archived objects.
type BlobReader interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver writes the final bid history of a closed auction to cold storage
// and returns the object path.
type Archiver interface {
	ArchiveAuction(ctx context.Context, snap Snapshot) (string, error)
}

// ArchivePrefix is the object-key prefix holding an auction's archives.
func ArchivePrefix(id AuctionID) string { return "auctions/" + id.String() + "/" }
