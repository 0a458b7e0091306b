// Package importer submits image files to the OMERO server. The server runs
// in a Docker container and imports in place, so submission is a `docker
// exec` of the OMERO CLI against the container-side path of the file.
package importer

import "context"

// Importer is the opaque remote ingestion boundary. An Import call may block
// until the caller's context expires; the pipeline bounds it with a timeout.
type Importer interface {
	Import(ctx context.Context, hostPath string) error
}
