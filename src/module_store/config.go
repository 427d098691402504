package module_store

// StoreConfig controls runtime behavior of a Store instance.
type StoreConfig struct {
	StorageDir    string // root directory for metadata, module bytes and node states
	NodeID        string // identity used for this node's deployment state
	UploadEnabled bool   // administrative switch consulted before install/uninstall
	Verbose       bool   // when true, log every stored and deleted module
}

// DefaultConfig returns a StoreConfig with uploads enabled.
func DefaultConfig(storageDir, nodeID string) StoreConfig {
	return StoreConfig{
		StorageDir:    storageDir,
		NodeID:        nodeID,
		UploadEnabled: true,
	}
}
