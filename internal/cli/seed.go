package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/abilian/abilian-core/internal/security"
)

func newSecurityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security [command]",
		Short: "Permission and role commands",
	}
	var files []string
	seed := &cobra.Command{
		Use:   "seed -f FILE [-f FILE...]",
		Short: "Apply permission assignments and role grants from YAML files",
		Long: `Apply permission assignments and role grants from YAML files. A file may
hold several documents separated by "---". Values may reference environment
variables as {{ .ENV.NAME }}; a .env file next to the seed file is read first.
Everything is applied in one transaction.

Examples:
  abilian security seed -f seeds/permissions.yaml -f seeds/grants.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var seeds []*security.SeedFile
			for _, f := range files {
				docs, err := readSeedFile(f)
				if err != nil {
					return err
				}
				seeds = append(seeds, docs...)
			}

			svc, ctx, err := openServices(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close()
			s := svc.NewSession()
			defer s.Close(ctx)

			permissions, grants := 0, 0
			for _, sf := range seeds {
				if err := svc.Security.Seed(ctx, s, sf); err != nil {
					return err
				}
				permissions += len(sf.Permissions)
				grants += len(sf.Grants)
			}
			if err := s.Commit(ctx); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]int{"documents": len(seeds), "permissions": permissions, "grants": grants})
				return nil
			}
			okLabel.Fprintf(cmd.OutOrStdout(), "%d documents applied: %d permissions, %d grants\n", len(seeds), permissions, grants)
			return nil
		},
	}
	seed.Flags().StringSliceVarP(&files, "file", "f", nil, "Seed file (repeatable)")
	_ = seed.MarkFlagRequired("file")
	cmd.AddCommand(seed)
	return cmd
}

// readSeedFile expands environment references in path and parses each YAML
// document it holds.
func readSeedFile(path string) ([]*security.SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	env, err := seedEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	data, err = expandEnv(data, env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	docs, err := splitDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]*security.SeedFile, 0, len(docs))
	for i, doc := range docs {
		sf, err := security.ParseSeed(doc)
		if err != nil {
			return nil, fmt.Errorf("%s, document %d: %w", path, i+1, err)
		}
		out = append(out, sf)
	}
	return out, nil
}

// seedEnv returns the process environment over the variables of envFile.
func seedEnv(envFile string) (map[string]string, error) {
	env := map[string]string{}
	if _, err := os.Stat(envFile); err == nil {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// expandEnv renders {{ .ENV.NAME }} references. An unknown name is an error.
func expandEnv(data []byte, env map[string]string) ([]byte, error) {
	tmpl, err := template.New("seed").Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("template error: %w", err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, struct{ ENV map[string]string }{env}); err != nil {
		return nil, fmt.Errorf("missing environment variable: %w", err)
	}
	return out.Bytes(), nil
}

// splitDocuments returns each non-empty YAML document of data re-encoded on
// its own.
func splitDocuments(data []byte) ([][]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs [][]byte
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("failed to decode YAML: %w", err)
		}
		if len(node.Content) == 0 || node.Content[0].Kind == yaml.ScalarNode && node.Content[0].Value == "" {
			continue
		}
		doc, err := yaml.Marshal(&node)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}
