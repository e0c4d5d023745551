package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kiln/api/builder"
	"kiln/api/config"
	"kiln/api/runtime"
	"kiln/api/validate"
	"kiln/cli/api"
	"kiln/cli/style"
)

var validateRoot string

var validateCmd = &cobra.Command{
	Use:     "validate",
	Short:   "Check the deployment settings of the site repository",
	Aliases: []string{"check", "lint"},
	Args:    cobra.NoArgs,
	RunE:    runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateRoot, "root", "", "check the site under this root directly instead of asking the agent")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	var result *api.ValidationResult
	var err error
	if validateRoot != "" {
		result, err = validateLocal(validateRoot)
	} else {
		result, err = client.Validate()
	}
	if err != nil {
		return fmt.Errorf("failed to validate: %w", err)
	}

	fmt.Println(style.Banner.Render("🔥 KILN VALIDATE"))
	printResult(*result)
	fmt.Println()

	if result.Errors > 0 {
		fmt.Println(style.ErrorBox.Render(fmt.Sprintf("  %d error(s), %d warning(s)  ", result.Errors, result.Warnings)))
		os.Exit(1)
	}
	fmt.Println(style.SuccessBox.Render("  Deployment settings are valid  "))
	return nil
}

// validateLocal runs the same checks as the agent against a site on this
// machine.
func validateLocal(root string) (*api.ValidationResult, error) {
	layout := config.NewLayout(root)
	settings, err := config.LoadSettings(os.Environ(), filepath.Join(layout.ConfigDir(), "settings.yaml"))
	if err != nil {
		return nil, err
	}
	v := &validate.Validator{Builders: &builder.Factory{
		Settings: settings,
		Layout:   layout,
		Runner:   runtime.NewProcessRunner(),
	}}
	r := v.Validate(settings.RepositoryPath(layout.Repository()), nil)

	out := &api.ValidationResult{
		Path:     r.Path,
		Builder:  r.Builder,
		Errors:   r.Errors,
		Warnings: r.Warnings,
		Infos:    r.Infos,
	}
	for _, f := range r.Findings {
		out.Findings = append(out.Findings, api.ValidationFinding{
			Check:    f.Check,
			Severity: string(f.Severity),
			Message:  f.Message,
			Field:    f.Field,
		})
	}
	return out, nil
}

func printResult(r api.ValidationResult) {
	name := style.Bold.Render(r.Path)
	builderName := ""
	if r.Builder != "" {
		builderName = "  " + style.DimText.Render(r.Builder+" builder")
	}

	switch {
	case r.Errors > 0:
		fmt.Printf("  %s %s%s\n", name, style.Unhealthy.Render("FAIL"), builderName)
	case r.Warnings > 0:
		fmt.Printf("  %s %s%s\n", name, style.Warning.Render("WARN"), builderName)
	default:
		fmt.Printf("  %s %s%s\n", name, style.Healthy.Render("PASS"), builderName)
	}

	for _, f := range r.Findings {
		dot := style.DotDim
		switch f.Severity {
		case "error":
			dot = style.DotUnhealthy
		case "warning":
			dot = style.DotWarning
		}

		tag := ""
		if f.Field != "" {
			tag = " " + style.DimText.Render("["+f.Field+"]")
		}

		fmt.Printf("    %s %s%s\n", dot, f.Message, tag)
	}
}
