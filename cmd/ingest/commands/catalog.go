package commands

import (
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/errors"
)

// CatalogCmd inspects the template catalog
var CatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List and check templates, mappings and targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var catalogLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List templates",
	RunE:  runCatalogLs,
}

var catalogCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Resolve every template and report broken references",
	RunE:  runCatalogCheck,
}

func init() {
	CatalogCmd.AddCommand(catalogLsCmd, catalogCheckCmd)
}

func runCatalogLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	names, err := c.Templates()
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Catalog: %s", c.Dir())
	data := pterm.TableData{{"TEMPLATE", "PARTICIPANT", "MAPPING", "TARGET", "STATE"}}
	for _, name := range names {
		t, err := c.Template(name)
		if err != nil {
			data = append(data, []string{name, "", "", "", "invalid: " + err.Error()})
			continue
		}
		state := "manual"
		switch {
		case t.Disabled:
			state = "disabled"
		case t.Watched():
			state = "watching " + t.Trigger.Path
		}
		data = append(data, []string{name, truncate(t.Participant, 20), truncate(t.Mapping, 20), truncate(t.Target, 12), state})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCatalogCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	names, err := c.Templates()
	if err != nil {
		return err
	}
	problems, err := c.Check()
	if err != nil {
		return err
	}

	sort.Strings(names)
	for _, name := range names {
		if perr, bad := problems[name]; bad {
			pterm.Error.Printfln("%s: %v", name, perr)
			for _, hint := range errors.GetAllHints(perr) {
				pterm.Println("    hint: " + hint)
			}
			continue
		}
		pterm.Success.Println(name)
	}
	if len(problems) > 0 {
		return errors.Newf("%d of %d templates invalid", len(problems), len(names))
	}
	return nil
}
