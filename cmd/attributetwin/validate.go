package main

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/expression"
)

var validateCmd = &cobra.Command{
	Use:   "validate <expression>",
	Short: "Compile a runtime expression and print its triggers",
	Long: `Validate compiles an expression the way the service does when a runtime
attribute is created, dry-running it against stub values of the candidates.

Candidates are given as <attribute-id>=<datatype>/<category>, e.g.
  --candidate 6f1c3c1e-7f35-4f7e-9a3c-0d54c1a0e2b1=double/dynamic`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().String("datatype", "text", "declared type of the runtime attribute")
	validateCmd.Flags().String("attribute", "", "id of the runtime attribute (random if empty)")
	validateCmd.Flags().StringArray("candidate", nil, "attribute the expression may reference (repeatable)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	name, _ := flags.GetString("datatype")
	dataType, err := attributetwin.ParseDataType(name)
	if err != nil {
		return err
	}
	self := attributetwin.NewAttributeID()
	if s, _ := flags.GetString("attribute"); s != "" {
		if self, err = attributetwin.ParseAttributeID(s); err != nil {
			return errors.Wrap(err, "attribute")
		}
	}
	specs, _ := flags.GetStringArray("candidate")
	candidates := make([]expression.Candidate, 0, len(specs))
	for _, s := range specs {
		c, err := parseCandidate(s)
		if err != nil {
			return err
		}
		candidates = append(candidates, c)
	}

	c := expression.Compiler{
		Evaluator: cfg.Sandbox(),
		Timeout:   cfg.Engine.ValidationTimeout,
		MaxLength: cfg.Expression.MaxLength,
	}
	compiled, err := c.Validate(cmd.Context(), expression.Request{
		AttributeID: self,
		DataType:    dataType,
		Expression:  args[0],
		Candidates:  candidates,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "source: %s\n", compiled.Source)
	for _, id := range compiled.Triggers {
		fmt.Fprintf(out, "trigger: %s\n", id)
	}
	return nil
}

// parseCandidate parses <attribute-id>=<datatype>/<category>.
func parseCandidate(s string) (expression.Candidate, error) {
	id, rest, ok := strings.Cut(s, "=")
	if !ok {
		return expression.Candidate{}, errors.Newf("candidate %q: missing '='", s)
	}
	typeName, categoryName, ok := strings.Cut(rest, "/")
	if !ok {
		return expression.Candidate{}, errors.Newf("candidate %q: missing category", s)
	}
	var (
		c   expression.Candidate
		err error
	)
	if c.ID, err = attributetwin.ParseAttributeID(id); err != nil {
		return c, errors.Wrapf(err, "candidate %q", s)
	}
	if c.DataType, err = attributetwin.ParseDataType(typeName); err != nil {
		return c, errors.Wrapf(err, "candidate %q", s)
	}
	if c.Category, err = attributetwin.ParseCategory(categoryName); err != nil {
		return c, errors.Wrapf(err, "candidate %q", s)
	}
	return c, nil
}
