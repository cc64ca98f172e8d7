package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/credentials"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

func newSecretsCmd(st *cliState) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted provider credentials file",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "credentials file (default: CREDENTIALS_FILE)")
	credFile := func() (string, error) {
		if file != "" {
			return file, nil
		}
		if st.cfg.Credentials.File != "" {
			return st.cfg.Credentials.File, nil
		}
		return "", errors.New("no credentials file: pass --file or set CREDENTIALS_FILE")
	}

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random base64 key for ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storage.GenerateKey(32)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	var value string
	setCmd := &cobra.Command{
		Use:   "set <provider_id>",
		Short: "Encrypt a credential and store it in the credentials file",
		Long:  "Encrypt a credential and store it in the credentials file. Without --value the credential is read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := credFile()
			if err != nil {
				return err
			}
			enc, err := app.EncryptionFromConfig(st.cfg.Credentials)
			if err != nil {
				return err
			}
			if value == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read credential: %w", err)
				}
				value = strings.TrimSpace(line)
			}
			if value == "" {
				return errors.New("empty credential")
			}

			sealed, err := readSealed(path)
			if err != nil {
				return err
			}
			if sealed[args[0]], err = enc.EncryptString(value); err != nil {
				return err
			}
			if err := writeSealed(path, sealed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s in %s\n", args[0], path)
			return nil
		},
	}
	setCmd.Flags().StringVar(&value, "value", "", "credential value (read from stdin when empty)")

	removeCmd := &cobra.Command{
		Use:   "remove <provider_id>",
		Short: "Delete a credential from the credentials file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := credFile()
			if err != nil {
				return err
			}
			sealed, err := readSealed(path)
			if err != nil {
				return err
			}
			if _, ok := sealed[args[0]]; !ok {
				return fmt.Errorf("no credential for %s in %s", args[0], path)
			}
			delete(sealed, args[0])
			return writeSealed(path, sealed)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the providers with a credential, checking each one decrypts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := credFile()
			if err != nil {
				return err
			}
			enc, err := app.EncryptionFromConfig(st.cfg.Credentials)
			if err != nil {
				return err
			}
			store, err := credentials.LoadEncryptedFile(path, enc)
			if err != nil {
				return err
			}
			sealed, err := readSealed(path)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(sealed))
			for id := range sealed {
				if _, ok := store.Lookup(id); ok {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			if st.jsonOut {
				return st.printJSON(cmd, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.AddCommand(keygenCmd, setCmd, removeCmd, listCmd)
	return cmd
}

func readSealed(path string) (map[string]string, error) {
	sealed := map[string]string{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sealed, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if sealed == nil {
		sealed = map[string]string{}
	}
	return sealed, nil
}

// writeSealed replaces path through a temp file and a rename
func writeSealed(path string, sealed map[string]string) error {
	data, err := yaml.Marshal(sealed)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
