package pool

import "sort"

// File describes one input file's contribution to the concatenated,
// chunk-indexed stream (spec.md §3 "File set").
type File struct {
	ID        uint32
	SizeBytes int64
	Path      string // on-disk path; empty for synthetic/in-memory file ids
}

// FileSet is the pool's concatenated-file metadata: the ordered sequence
// of files, the per-file chunk ranges, and the total chunk count T.
// ExtentFor mirrors the original zicio source's zicio_files.c cursor
// reuse — callers pass back the hint they got last time so repeated
// forward scans are O(1) amortized instead of a fresh binary search every
// call (supplementing the consume indicator's current_metadata_idx field,
// spec.md §3, which would otherwise be dead state).
type FileSet struct {
	files           []File
	startChunkNums  []uint32 // startChunkNums[i] = first chunk id of files[i]
	chunkSize       int64
	totalChunkNums  uint32
}

// NewFileSet builds chunk-range metadata for files, each split into
// ceil(size/chunkSize) chunks (the last chunk of a file may be short).
func NewFileSet(files []File, chunkSize int64) *FileSet {
	fs := &FileSet{files: files, chunkSize: chunkSize}
	fs.startChunkNums = make([]uint32, len(files))
	var cursor uint32
	for i, f := range files {
		fs.startChunkNums[i] = cursor
		n := f.SizeBytes / chunkSize
		if f.SizeBytes%chunkSize != 0 {
			n++
		}
		cursor += uint32(n)
	}
	fs.totalChunkNums = cursor
	return fs
}

// TotalChunks returns T, the total logical chunk count across the set.
func (fs *FileSet) TotalChunks() uint32 { return fs.totalChunkNums }

// ChunkSize returns the configured chunk size in bytes (2 MiB in
// production).
func (fs *FileSet) ChunkSize() int64 { return fs.chunkSize }

// Extent describes where chunkID lives: which file, its chunk-local
// index, and the byte range within that file.
type Extent struct {
	FileIdx     int
	FileID      uint32
	LocalChunk  uint32 // chunk index within the file
	Offset      int64  // byte offset within the file
	Size        int64  // bytes in this chunk (short for the file's last chunk)
}

// ExtentFor resolves chunkID to its Extent, using hintIdx as a starting
// point for the search and returning the new hint to pass on the next
// call. hintIdx of -1 means "no hint, search from scratch".
func (fs *FileSet) ExtentFor(chunkID uint32, hintIdx int) (Extent, int) {
	idx := hintIdx
	if idx < 0 || idx >= len(fs.files) || fs.startChunkNums[idx] > chunkID {
		idx = sort.Search(len(fs.startChunkNums), func(i int) bool {
			return fs.startChunkNums[i] > chunkID
		}) - 1
		if idx < 0 {
			idx = 0
		}
	} else {
		for idx+1 < len(fs.files) && fs.startChunkNums[idx+1] <= chunkID {
			idx++
		}
	}

	f := fs.files[idx]
	localChunk := chunkID - fs.startChunkNums[idx]
	offset := int64(localChunk) * fs.chunkSize
	size := fs.chunkSize
	if remaining := f.SizeBytes - offset; remaining < size {
		size = remaining
	}
	return Extent{
		FileIdx:    idx,
		FileID:     f.ID,
		LocalChunk: localChunk,
		Offset:     offset,
		Size:       size,
	}, idx
}
