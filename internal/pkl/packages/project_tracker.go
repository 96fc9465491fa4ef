package packages

import (
	"sort"

	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// ProjectSource publishes the workspace's projects whenever they change.
type ProjectSource interface {
	Subscribe(l project.Listener) (unsubscribe func())
}

// onProjectsUpdated replaces the project packages with the remote dependencies
// of every project. It runs synchronously on the publishing goroutine.
func (s *Service) onProjectsUpdated(projects map[string]*project.Project) {
	dirs := make([]string, 0, len(projects))
	for dir := range projects {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var deps []PackageDependency
	for _, dir := range dirs {
		p := projects[dir]
		if p == nil || p.Deps == nil {
			continue
		}
		for _, remote := range p.RemoteDependencies() {
			if dep, ok := fromResolved(remote, p).(PackageDependency); ok {
				deps = append(deps, dep)
			}
		}
	}

	s.mu.Lock()
	s.projectPackages = deps
	s.mu.Unlock()

	s.logger.Debug("project packages updated", "projects", len(projects), "packages", len(deps))
}
