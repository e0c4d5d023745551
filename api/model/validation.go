package model

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationFinding is one check outcome. Check is a dotted identifier such
// as "settings.project.missing".
type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

// ValidationResult collects the findings for one repository.
type ValidationResult struct {
	Path     string              `json:"path"`
	Builder  string              `json:"builder,omitempty"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	case SeverityInfo:
		r.Infos++
	}
}

// Valid reports whether a deployment may go ahead. Warnings do not block.
func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// Problems returns the error and warning findings, errors first.
func (r *ValidationResult) Problems() []ValidationFinding {
	var errs, warns []ValidationFinding
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityError:
			errs = append(errs, f)
		case SeverityWarning:
			warns = append(warns, f)
		}
	}
	return append(errs, warns...)
}
