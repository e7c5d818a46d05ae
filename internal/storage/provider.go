package storage

import "renderfarm/internal/ports"

// Provider is the artifact store contract used by workers.
// It is an alias to ports.StorageProvider to keep call-sites simple.
type Provider = ports.StorageProvider
