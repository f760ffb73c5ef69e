package cmd

import (
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

var sshKeyFile string

var sshKeyCmd = &cobra.Command{
	Use:   "ssh-key",
	Short: "Manage SSH keys registered with the provider",
}

var sshKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered SSH keys",
	Args:  cobra.NoArgs,
	RunE:  runSSHKeyList,
}

var sshKeyAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a public key under NAME",
	Long: `Register an OpenSSH public key (authorized_keys format) under NAME so
new instances can reference it, e.g.

  instancectl ssh-key add "james key" --file ~/.ssh/id_ed25519.pub`,
	Args: cobra.ExactArgs(1),
	RunE: runSSHKeyAdd,
}

func init() {
	rootCmd.AddCommand(sshKeyCmd)
	sshKeyCmd.AddCommand(sshKeyListCmd)
	sshKeyCmd.AddCommand(sshKeyAddCmd)

	sshKeyAddCmd.Flags().StringVarP(&sshKeyFile, "file", "f", "", "Path to the public key file")
	_ = sshKeyAddCmd.MarkFlagRequired("file")
}

type sshKeyView struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key"`
}

func runSSHKeyList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	keys, err := client.ListSSHKeys(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list ssh keys: %w", err)
	}

	views := make([]sshKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, describeKey(k))
	}

	if outputFormat == "json" {
		return printJSON(views)
	}

	if len(views) == 0 {
		fmt.Println("No SSH keys registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tFINGERPRINT")
	fmt.Fprintln(w, "----\t----\t-----------")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, orDash(v.Type), orDash(v.Fingerprint))
	}
	return w.Flush()
}

func runSSHKeyAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(sshKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	publicKey, err := normalizePublicKey(data)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	key, err := client.CreateSSHKey(commandContext(cmd), provider.SSHKey{Name: args[0], PublicKey: publicKey})
	if err != nil {
		return fmt.Errorf("failed to register ssh key: %w", err)
	}

	view := describeKey(*key)
	if outputFormat == "json" {
		return printJSON(view)
	}
	fmt.Printf("Registered %s (%s %s)\n", view.Name, view.Type, view.Fingerprint)
	return nil
}

// normalizePublicKey parses an authorized_keys line and re-encodes it,
// preserving the comment
func normalizePublicKey(data []byte) (string, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("not an OpenSSH public key: %w", err)
	}
	line := string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

func describeKey(k provider.SSHKey) sshKeyView {
	view := sshKeyView{Name: k.Name, PublicKey: k.PublicKey}
	if pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k.PublicKey)); err == nil {
		view.Type = pub.Type()
		view.Fingerprint = ssh.FingerprintSHA256(pub)
	}
	return view
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
