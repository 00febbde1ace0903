package badger

// Key layout
// ==========
//
// Data Type   Prefix   Key Format                 Value Type
// ===========================================================
// Inode       "i:"     i:<domain>:<path>          Inode (JSON)
//
// Domains cannot contain ':' (metadata.ValidateDomain), so the first ':'
// after the prefix always ends the domain. Paths are absolute and clean,
// which keeps a directory's descendants contiguous under i:<domain>:<dir>/.

const prefixInode = "i:"

func keyInode(domain, path string) []byte {
	return []byte(prefixInode + domain + ":" + path)
}

func keyInodePrefix(domain, pathPrefix string) []byte {
	return []byte(prefixInode + domain + ":" + pathPrefix)
}
