package ci

// Report is the package state of a workspace.
type Report struct {
	Packages []PackageStatus `json:"packages"`
	// Findings locate the imports of missing packages.
	Findings []Finding `json:"findings,omitempty"`
}

// PackageStatus is one package the workspace depends on.
type PackageStatus struct {
	URI        string `json:"uri"`
	Project    string `json:"project,omitempty"`
	Downloaded bool   `json:"downloaded"`
}

// Finding is a problem at a source location. Line and Column are 1-based;
// zero means unknown.
type Finding struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// Summary counts packages by state.
func (r *Report) Summary() (downloaded, missing, total int) {
	for _, p := range r.Packages {
		if p.Downloaded {
			downloaded++
		} else {
			missing++
		}
	}
	return downloaded, missing, len(r.Packages)
}

// HasMissing reports whether any package is not downloaded.
func (r *Report) HasMissing() bool {
	_, missing, _ := r.Summary()
	return missing > 0
}
