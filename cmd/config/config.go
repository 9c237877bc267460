package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseClientConfig             = config.ParseClient
	writeClientConfig             = config.WriteClient
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
)

// New creates a new `config` command.
func New() *cobra.Command {
	var configPath, hosts string
	var cliOpts config.Collection
	cmd := &cobra.Command{
		Use:   "config NAME",
		Short: "Add or update a collection in the client config",
		Long: "Adds the named collection to the client config, or updates it if " +
			"it's already there. Settings that aren't passed as flags are " +
			"prompted for.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			cliOpts.Name = args[0]
			if hosts != "" {
				cliOpts.Hosts = strings.Split(hosts, ",")
			}

			if err := SetupCollection(configPath, cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ClientConfigPath,
		"The path to the client config")
	cmd.Flags().StringVar(&hosts, "hosts", "",
		"Comma-separated hosts that serve the collection. "+
			"Optional: If not set, `sup config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Base, "base", "",
		"The directory that holds the collection's sync state. "+
			"Optional: If not set, `sup config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Prefix, "prefix", "",
		"The directory the collection is installed in. Defaults to the base.")
	cmd.Flags().StringVar(&cliOpts.Release, "release", "",
		"The release to sync. Defaults to "+config.DefaultRelease+".")

	cmd.AddCommand(&cobra.Command{
		Use:   "get-collections",
		Short: "List the collections in the client config",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := parseClientConfig(configPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "read config"))
			}

			for _, coll := range cfg.Collections {
				fmt.Fprintln(stdout, coll.Name)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for a server's accounts",
		Run: func(_ *cobra.Command, _ []string) {
			hash, err := hashPassword()
			if err != nil {
				util.HandleFatalError(err)
			}
			fmt.Fprintln(stdout, hash)
		},
	})

	return cmd
}

// SetupCollection merges cliOpts into the collection of the same name in
// the client config at path, prompting for required settings that are
// missing from both.
func SetupCollection(path string, cliOpts config.Collection) error {
	cfg, err := readConfig(path)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	idx := -1
	for i, coll := range cfg.Collections {
		if coll.Name == cliOpts.Name {
			idx = i
		}
	}

	var current config.Collection
	if idx >= 0 {
		current = cfg.Collections[idx]
	}

	coll, err := generateCollection(cliOpts, current)
	if err != nil {
		return errors.WithContext(err, "generate collection")
	}

	if idx >= 0 {
		cfg.Collections[idx] = coll
	} else {
		cfg.Collections = append(cfg.Collections, coll)
	}

	if err := writeClientConfig(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

// readConfig parses the client config, treating a missing file as an empty
// config.
func readConfig(path string) (config.Client, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return config.Client{}, errors.WithContext(err, "expand path")
	}

	if _, err := stat(expanded); err != nil {
		if os.IsNotExist(err) {
			return config.Client{}, nil
		}
		return config.Client{}, errors.WithContext(err, "stat")
	}
	return parseClientConfig(path)
}

func hostsValidationFn(resp string) (string, bool) {
	if strings.TrimSpace(resp) == "" {
		return "At least one host is required.", false
	}

	for _, host := range strings.Split(resp, ",") {
		if host == "" || strings.ContainsAny(host, " \t") {
			return fmt.Sprintf("%q isn't a valid host. Separate hosts with "+
				"commas, and don't include spaces.", host), false
		}
	}
	return "", true
}

func baseValidationFn(resp string) (string, bool) {
	if strings.TrimSpace(resp) == "" {
		return "The base directory is required.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateCollection fills in the settings that weren't passed on the
// command line by asking the user. The collection's existing settings are
// offered as answers.
func generateCollection(cliOpts, current config.Collection) (config.Collection, error) {
	coll := current
	coll.Name = cliOpts.Name
	if cliOpts.Prefix != "" {
		coll.Prefix = cliOpts.Prefix
	}
	if cliOpts.Release != "" {
		coll.Release = cliOpts.Release
	}

	var hosts string
	var prompts []prompt
	if len(cliOpts.Hosts) == 0 {
		prompts = append(prompts, prompt{
			helpString: "Enter the hosts that serve the collection, separated by commas.\n" +
				"They're tried in order until one accepts the session.",
			prompt:       "Hosts",
			currAnswer:   strings.Join(current.Hosts, ","),
			field:        &hosts,
			validationFn: hostsValidationFn,
		})
	} else {
		hosts = strings.Join(cliOpts.Hosts, ",")
	}

	if cliOpts.Base == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the base directory of the collection.\n" +
				"The collection's sync state is kept in <base>/sup/" + coll.Name + ".",
			prompt:        "Base directory",
			defaultAnswer: guessBase(),
			currAnswer:    current.Base,
			field:         &coll.Base,
			validationFn:  baseValidationFn,
		})
	} else {
		coll.Base = cliOpts.Base
	}

	reader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		for {
			resp, err := promptUser(reader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Collection{}, errors.WithContext(err, "read response")
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				*prompt.field = resp
				break
			}
			fmt.Fprintln(stdout, validationErr)
		}
	}

	coll.Hosts = strings.Split(hosts, ",")
	return coll, nil
}

func guessBase() string {
	dir, err := getWorkingDirectory()
	if err != nil {
		log.WithError(err).Info("Failed to guess base directory")
		return ""
	}
	return dir
}

func promptUser(reader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {
	// Separate the fields with a blank line.
	defer fmt.Fprintln(stdout)

	var options []string
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if len(options) != 0 {
		manual := len(options) + 1
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option += " (recommended)"
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintf(stdout, "\t%d. (Enter manually)\n\n", manual)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", manual)
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}

			// An empty answer picks the recommended option.
			choice := 1
			if line = strings.TrimSpace(line); line != "" {
				choice, err = strconv.Atoi(line)
				if err != nil || choice < 1 || choice > manual {
					continue
				}
			}

			if choice == manual {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || resp == "") {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

func hashPassword() (string, error) {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.WithContext(err, "read password")
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.NewFriendlyError("The password is empty.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.WithContext(err, "hash password")
	}
	return string(hash), nil
}
