package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"wxgate/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: add an account and save the config",
		Long: `Asks for an account's app id, verification token, secret and encoding key
and writes it to the config used by --config or the default path. Secrets can
be stored in the OS keyring instead of the file.`,
		RunE: runWizard,
	}
}

// prompter reads answers from a line reader, falling back to defaults.
type prompter struct {
	r *bufio.Reader
}

func (p prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(os.Stdout, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(os.Stdout, "%s: ", question)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

func (p prompter) yes(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(ans), "y"), nil
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ExpandPath(resolveConfigPath())
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p := prompter{r: bufio.NewReader(os.Stdin)}

	fmt.Println("\n--- Step 1: Account ---")
	appID, err := p.ask("App ID", "")
	if err != nil {
		return err
	}
	if appID == "" {
		return fmt.Errorf("app id is required")
	}
	acct, _ := cfg.Account(appID)
	acct.AppID = appID

	acct.Token, err = p.ask("Verification token", acct.Token)
	if err != nil {
		return err
	}
	acct.Secret, err = p.ask("App secret (for outbound API calls)", acct.Secret)
	if err != nil {
		return err
	}

	fmt.Println("\n--- Step 2: Message encryption ---")
	acct.Encrypted, err = p.yes("Use safe mode (encrypted messages)?", acct.Encrypted)
	if err != nil {
		return err
	}
	if acct.Encrypted {
		acct.EncodingAESKey, err = p.ask("EncodingAESKey (43 characters)", acct.EncodingAESKey)
		if err != nil {
			return err
		}
	}

	fmt.Println("\n--- Step 3: Secret storage ---")
	useKeyring, err := p.yes("Store secrets in the OS keyring?", false)
	if err != nil {
		return err
	}
	if useKeyring {
		for name, v := range map[string]*string{
			appID + ".secret": &acct.Secret,
			appID + ".token":  &acct.Token,
			appID + ".aeskey": &acct.EncodingAESKey,
		} {
			if *v == "" || config.IsKeyringRef(*v) {
				continue
			}
			ref, err := config.StoreSecret(name, *v)
			if err != nil {
				return err
			}
			*v = ref
		}
	}

	replaced := false
	for i := range cfg.Accounts {
		if cfg.Accounts[i].AppID == appID {
			cfg.Accounts[i] = acct
			replaced = true
		}
	}
	if !replaced {
		cfg.Accounts = append(cfg.Accounts, acct)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Printf("Callback URL: http://<host>:%d%s/%s\n", cfg.Server.Port, cfg.Server.BasePath, appID)
	fmt.Println("Next: run 'wxgate doctor', then 'wxgate serve'.")
	return nil
}
