package toolforge

import (
	"context"
	"errors"
	"strings"
)

// AndroidComponent is one row of an sdkmanager package table.
type AndroidComponent struct {
	Path        string `json:"path"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"` // installed packages only
}

const (
	sectionInstalled = "Installed packages:"
	sectionAvailable = "Available Packages:"
)

// ListAndroidComponents asks sdkmanager for the installed packages, or with
// available set, for everything the repository offers.
func (in *Installer) ListAndroidComponents(ctx context.Context, available bool) ([]AndroidComponent, error) {
	root := "--sdk_root=" + in.Registry.KindRoot(AndroidSDK)
	args, section := []string{"--list_installed", root}, sectionInstalled
	if available {
		args, section = []string{"--list", root}, sectionAvailable
	}
	out, err := in.sdkmanagerOutput(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseComponentTable(out, section)
}

// parseComponentTable reads the pipe separated table that follows heading.
// The table ends at the next heading or at end of output.
func parseComponentTable(out, heading string) ([]AndroidComponent, error) {
	var comps []AndroidComponent
	found := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !found {
			found = line == heading
			continue
		}
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") && !strings.Contains(line, "|") {
			break
		}
		cols := strings.Split(line, "|")
		if len(cols) < 3 {
			continue
		}
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		if cols[0] == "Path" || strings.HasPrefix(cols[0], "---") {
			continue
		}
		c := AndroidComponent{Path: cols[0], Version: cols[1], Description: cols[2]}
		if len(cols) > 3 {
			c.Location = cols[3]
		}
		comps = append(comps, c)
	}
	if !found {
		// Nothing printed at all means nothing is installed.
		if heading == sectionInstalled && strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, &ProtocolParseError{Source: "sdkmanager output", Err: errors.New("missing " + strings.TrimSuffix(heading, ":") + " table")}
	}
	return comps, nil
}
