package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/schema"
	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

func validateCmd() *cobra.Command {
	var (
		schemaDir string
		docType   string
		in        string
	)

	c := &cobra.Command{
		Use:   "validate",
		Short: "Validate a document against its XSD (no HTTP)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := ecf.ParseDocumentType(docType)
			if err != nil {
				return err
			}
			data, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			doc, err := xmlsec.Parse(data)
			if err != nil {
				return err
			}

			registry := schema.NewRegistry(schemaDir, nil)
			if err := registry.Validate(doc, t.SchemaID()); err != nil {
				var verr *schema.ValidationError
				if errors.As(err, &verr) {
					for _, v := range verr.Violations {
						fmt.Fprintln(cmd.ErrOrStderr(), v)
					}
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	c.Flags().StringVarP(&schemaDir, "schemas", "s", "xsd", "directory holding {type}.xsd files")
	c.Flags().StringVarP(&docType, "type", "t", string(ecf.TypeECF), "document type (ECF, RFCE, ANECF, ACECF, ARECF)")
	c.Flags().StringVarP(&in, "in", "i", "-", "document to validate (- for stdin)")
	return c
}
