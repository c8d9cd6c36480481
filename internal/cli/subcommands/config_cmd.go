package subcommands

import (
	"fmt"
	"io"

	"Lumen/internal/config"
)

// RunConfig displays the resolved configuration as YAML.
func RunConfig(w io.Writer, cfg config.Config) int {
	data, err := config.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(w, "Error marshaling config: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "# Lumen configuration")
	fmt.Fprint(w, string(data))
	return 0
}
