package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hiverun/hive/internal/store"
)

// refreshInstructions regenerates <workspace>/.hive/instructions.md.
// The file is rewritten on every ensure and its content is a pure
// function of the cell row and its services, so clients and tools can
// parse it.
func (r *Runtime) refreshInstructions(ctx context.Context, cell *store.Cell) error {
	services, err := r.collab.Store.ListServicesByCell(ctx, cell.ID)
	if err != nil {
		return err
	}

	dir := filepath.Join(cell.WorkspacePath, ".hive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	content := renderInstructions(cell, services)
	return os.WriteFile(filepath.Join(dir, "instructions.md"), []byte(content), 0o644)
}

func renderInstructions(cell *store.Cell, services []*store.CellService) string {
	var b strings.Builder

	b.WriteString("# Hive instructions\n\n")
	b.WriteString("You are working inside a Hive cell: an isolated git worktree with its own services.\n\n")

	b.WriteString("## Cell\n\n")
	fmt.Fprintf(&b, "- Name: %s\n", cell.Name)
	fmt.Fprintf(&b, "- ID: %s\n", cell.ID)
	fmt.Fprintf(&b, "- Template: %s\n", cell.TemplateID)
	fmt.Fprintf(&b, "- Workspace: %s\n", cell.WorkspacePath)
	fmt.Fprintf(&b, "- Main repository: %s\n", cell.WorkspaceRootPath)
	b.WriteString("\n")

	b.WriteString("## Services\n\n")
	if len(services) == 0 {
		b.WriteString("No services are declared for this cell.\n\n")
	} else {
		sorted := make([]*store.CellService, len(services))
		copy(sorted, services)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		host := serviceHost()
		for _, svc := range sorted {
			fmt.Fprintf(&b, "- `%s` (%s)", svc.Name, svc.Status)
			if svc.Port != nil {
				fmt.Fprintf(&b, " — port %d, %s://%s:%d", *svc.Port, serviceProtocol(), host, *svc.Port)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString("Each service process receives `PORT`, `<NAME>_PORT` for every sibling, `HIVE_CELL_ID`, `HIVE_SERVICE`, `HIVE_HOME`, and `HIVE_BROWSE_ROOT`.\n\n")
	}

	b.WriteString("## Tools\n\n")
	b.WriteString("Hive provides no additional tools beyond your standard set.\n\n")

	b.WriteString("## Conventions\n\n")
	b.WriteString("- Service logs are captured under `.hive/logs/<service>.log`.\n")
	b.WriteString("- Per-cell scratch space lives in `.hive/home/`.\n")
	b.WriteString("- Do not edit files outside this workspace; the main repository is shared.\n")
	if hiveURL := os.Getenv("HIVE_URL"); hiveURL != "" {
		fmt.Fprintf(&b, "- Hive UI: %s\n", hiveURL)
	}

	return b.String()
}

func serviceHost() string {
	if host := os.Getenv("SERVICE_HOST"); host != "" {
		return host
	}
	return "localhost"
}

func serviceProtocol() string {
	if proto := os.Getenv("SERVICE_PROTOCOL"); proto != "" {
		return proto
	}
	return "http"
}
