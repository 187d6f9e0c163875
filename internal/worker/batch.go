package worker

import (
	"cruisesync/internal/models"
)

// Batch lifecycle states.
const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// Batch is one fixed-size slice of discovered files, processed as a single
// scheduling unit. It exists only in a run's working memory.
type Batch struct {
	Seq       int
	Files     []models.DiscoveredFile
	Status    string
	Succeeded int
	Failed    int
	Err       error // fatal batch-level error, not a per-file failure
}

// partition splits files into batches of at most size files each.
func partition(files []models.DiscoveredFile, size int) []*Batch {
	if size <= 0 {
		size = 8
	}
	var batches []*Batch
	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, &Batch{
			Seq:    len(batches),
			Files:  files[start:end],
			Status: BatchPending,
		})
	}
	return batches
}
