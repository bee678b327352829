package cli

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ecf/internal/config"
	"github.com/sirosfoundation/go-ecf/internal/keystore"
	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// EnvBundlePassword supplies the bundle password when --password is omitted.
const EnvBundlePassword = "ECF_BUNDLE_PASSWORD"

// keyFlags select a signing credential outside of a configuration file
type keyFlags struct {
	bundle   string
	password string
	keyDir   string
}

func (f *keyFlags) register(c *cobra.Command) {
	c.Flags().StringVarP(&f.bundle, "bundle", "b", "", "PKCS#12 signing bundle")
	c.Flags().StringVar(&f.password, "password", "", "bundle password (default $"+EnvBundlePassword+")")
	c.Flags().StringVar(&f.keyDir, "key-dir", "", "directory with signing.key and signing.crt")
	c.MarkFlagsMutuallyExclusive("bundle", "key-dir")
	c.MarkFlagsOneRequired("bundle", "key-dir")
}

func (f *keyFlags) provider() (keystore.Provider, error) {
	cfg := &config.SigningConfig{Mode: "pkcs12"}
	if f.keyDir != "" {
		cfg.Mode = "file"
		cfg.File.KeyDir = f.keyDir
	} else {
		cfg.PKCS12.Path = f.bundle
		cfg.PKCS12.Password = f.password
		if cfg.PKCS12.Password == "" {
			cfg.PKCS12.Password = os.Getenv(EnvBundlePassword)
		}
	}
	return keystore.NewProvider(cfg)
}

func signCmd() *cobra.Command {
	var (
		keys    keyFlags
		in, out string
	)

	c := &cobra.Command{
		Use:   "sign",
		Short: "Sign a document with an enveloped XML signature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := keys.provider()
			if err != nil {
				return err
			}
			defer p.Close()

			doc, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			signed, err := keystore.NewSigner(p).Sign(doc)
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, signed)
		},
	}

	keys.register(c)
	c.Flags().StringVarP(&in, "in", "i", "-", "document to sign (- for stdin)")
	c.Flags().StringVarP(&out, "out", "o", "-", "signed output (- for stdout)")
	return c
}

func verifyCmd() *cobra.Command {
	var (
		keys     keyFlags
		certPath string
		in       string
	)

	c := &cobra.Command{
		Use:   "verify",
		Short: "Verify the enveloped signature of a document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cert *x509.Certificate
				err  error
			)
			if certPath != "" {
				cert, err = readCertificate(certPath)
			} else {
				cert, err = keys.certificate(cmd)
			}
			if err != nil {
				return err
			}

			doc, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			if err := xmldsig.Verify(doc, cert); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: signed by %s\n", cert.Subject)
			return nil
		},
	}

	c.Flags().StringVarP(&keys.bundle, "bundle", "b", "", "PKCS#12 bundle holding the signer certificate")
	c.Flags().StringVar(&keys.password, "password", "", "bundle password (default $"+EnvBundlePassword+")")
	c.Flags().StringVar(&certPath, "cert", "", "PEM signer certificate")
	c.Flags().StringVarP(&in, "in", "i", "-", "signed document (- for stdin)")
	c.MarkFlagsMutuallyExclusive("bundle", "cert")
	c.MarkFlagsOneRequired("bundle", "cert")
	return c
}

func (f *keyFlags) certificate(cmd *cobra.Command) (*x509.Certificate, error) {
	p, err := f.provider()
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return keystore.NewSigner(p).Certificate(cmd.Context())
}

func keyInfoCmd() *cobra.Command {
	var keys keyFlags

	c := &cobra.Command{
		Use:   "keyinfo",
		Short: "Describe the signing credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := keys.provider()
			if err != nil {
				return err
			}
			defer p.Close()

			info, err := keystore.Describe(cmd.Context(), p)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	keys.register(c)
	return c
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no PEM certificate found in " + path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
