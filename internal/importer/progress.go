package importer

// Phase describes the current import phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseImporting Phase = "importing"
	PhaseDone      Phase = "done"
)

// Progress reports import progress to listeners.
type Progress struct {
	Phase      Phase `json:"phase"`
	FilesTotal int   `json:"files_total"`
	FilesDone  int   `json:"files_done"`
	Imported   int   `json:"imported"`
}

// Percent returns the import progress as a percentage (0-100).
func (p Progress) Percent() float64 {
	if p.FilesTotal == 0 {
		return 0
	}
	return float64(p.FilesDone) / float64(p.FilesTotal) * 100
}

// ProgressFunc is called with progress updates during an import.
type ProgressFunc func(Progress)

// Stats summarizes an import pass. Unchanged files and files in
// the skip cache count as Skipped; unreadable or invalid exports
// count as Failed.
type Stats struct {
	TotalFiles int      `json:"total_files"`
	Imported   int      `json:"imported"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	RunIDs     []string `json:"run_ids,omitempty"`
}
