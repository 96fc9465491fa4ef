// Package ci reports the state of a workspace's packages in the format of
// the CI system running pklls.
package ci

import (
	"fmt"
	"io"
	"os"
)

// System represents a supported CI system.
type System string

const (
	SystemGitHub  System = "github"
	SystemGitLab  System = "gitlab"
	SystemCircle  System = "circleci"
	SystemAzure   System = "azure"
	SystemJenkins System = "jenkins"
	SystemGeneric System = "generic"
)

// ParseSystem accepts a system name or "auto" for detection.
func ParseSystem(s string, getenv func(string) string) (System, error) {
	switch System(s) {
	case "", "auto":
		return Detect(getenv), nil
	case SystemGitHub, SystemGitLab, SystemCircle, SystemAzure, SystemJenkins, SystemGeneric:
		return System(s), nil
	default:
		return "", fmt.Errorf("unknown CI system %q", s)
	}
}

// Detect identifies the CI system from environment variables. A nil getenv
// reads the process environment.
func Detect(getenv func(string) string) System {
	if getenv == nil {
		getenv = os.Getenv
	}
	switch {
	case getenv("GITHUB_ACTIONS") == "true":
		return SystemGitHub
	case getenv("GITLAB_CI") == "true":
		return SystemGitLab
	case getenv("CIRCLECI") == "true":
		return SystemCircle
	case getenv("TF_BUILD") == "True":
		return SystemAzure
	case getenv("JENKINS_URL") != "":
		return SystemJenkins
	default:
		return SystemGeneric
	}
}

// Config holds configuration for a reporter.
type Config struct {
	System System
	// Root makes annotation paths relative.
	Root string
	// Getenv locates the files GitHub Actions collects summaries and
	// outputs from. Nil reads the process environment.
	Getenv func(string) string
}

func (c Config) getenv(key string) string {
	if c.Getenv == nil {
		return os.Getenv(key)
	}
	return c.Getenv(key)
}

// Handler writes a report for a specific CI system.
type Handler interface {
	Handle(report *Report, stdout, stderr io.Writer) error
}

// HandlerFor returns the handler for cfg.System.
func HandlerFor(cfg Config) Handler {
	switch cfg.System {
	case SystemGitHub:
		return &GitHubHandler{Config: cfg}
	case SystemGitLab:
		return &GenericHandler{Config: cfg, Name: "GitLab CI"}
	case SystemCircle:
		return &GenericHandler{Config: cfg, Name: "CircleCI"}
	case SystemAzure:
		return &GenericHandler{Config: cfg, Name: "Azure DevOps"}
	case SystemJenkins:
		return &GenericHandler{Config: cfg, Name: "Jenkins"}
	default:
		return &GenericHandler{Config: cfg, Name: "Generic"}
	}
}
