package ingest

// Status is the result of ingesting one file or archive member.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusDuplicate Status = "duplicate"
	StatusInvalid   Status = "invalid"
	StatusError     Status = "error"
)

// File is one input of a batch.
type File struct {
	Name string
	Data []byte
}

// MemberOutcome is the result for one XML report inside an input file.
type MemberOutcome struct {
	Filename     string `json:"filename"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	ReportID     uint64 `json:"report_id,omitempty"`
}

// FileOutcome is the result for one input file. Members is only set for
// archives holding more than one report.
type FileOutcome struct {
	Filename     string          `json:"filename"`
	Status       Status          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	ReportID     uint64          `json:"report_id,omitempty"`
	Members      []MemberOutcome `json:"members,omitempty"`
}

// Summary describes a whole batch. Uploaded, Duplicates and Errors count
// reports; InvalidFiles counts input files that could not be decoded.
type Summary struct {
	BatchID      string        `json:"batch_id"`
	Uploaded     int           `json:"uploaded"`
	Duplicates   int           `json:"duplicates"`
	Errors       int           `json:"errors"`
	InvalidFiles int           `json:"invalid_files"`
	Processed    bool          `json:"processed"`
	Files        []FileOutcome `json:"files"`
}

func (s *Summary) add(fo FileOutcome) {
	s.Files = append(s.Files, fo)

	if fo.Status == StatusInvalid {
		s.InvalidFiles++
		return
	}
	if len(fo.Members) == 0 {
		s.count(fo.Status)
		return
	}
	for _, m := range fo.Members {
		s.count(m.Status)
	}
}

func (s *Summary) count(st Status) {
	switch st {
	case StatusUploaded:
		s.Uploaded++
	case StatusDuplicate:
		s.Duplicates++
	case StatusError:
		s.Errors++
	}
}

// fileStatus folds member results into one status for the file: any error
// wins, then any upload, otherwise the file was entirely duplicate.
func fileStatus(members []MemberOutcome) Status {
	st := StatusDuplicate
	for _, m := range members {
		switch m.Status {
		case StatusError:
			return StatusError
		case StatusUploaded:
			st = StatusUploaded
		}
	}
	return st
}
