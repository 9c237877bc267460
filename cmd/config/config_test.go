package config

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sidkik/sup/pkg/config"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:       "NoAnswers",
			helpString: "explanation",
			prompt:     "prompt",
			stdin:      "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:       "ChooseCurrent",
			helpString: "explanation",
			prompt:     "prompt",
			currAnswer: "current answer",
			stdin:      "1\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. current answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "current answer",
		},
		{
			name:          "DefaultAndCurrentChooseSecond",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "SameDefaultAndCurrent",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "same",
			currAnswer:    "same",
			stdin:         "\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. same (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "same",
		},
		{
			name:          "EnterManually",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "2\nuser input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "InvalidChoice",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "seven\n1\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out := bytes.NewBuffer(nil)
			stdout = out
			defer func() { stdout = os.Stdout }()

			reader := bufio.NewReader(strings.NewReader(test.stdin))
			resp, err := promptUser(reader, test.helpString, test.prompt,
				test.defaultAnswer, test.currAnswer)
			assert.NoError(t, err)
			assert.Equal(t, test.expResult, resp)
			assert.Equal(t, test.expPrompt, out.String())
		})
	}
}

func TestHostsValidation(t *testing.T) {
	tests := []struct {
		hosts string
		expOK bool
	}{
		{"sup1.example.com", true},
		{"sup1,sup2:8871", true},
		{"", false},
		{"sup1,,sup2", false},
		{"sup1, sup2", false},
	}

	for _, test := range tests {
		_, ok := hostsValidationFn(test.hosts)
		assert.Equal(t, test.expOK, ok, test.hosts)
	}
}

func TestSetupCollection(t *testing.T) {
	existing := config.Client{
		Hostname: "laptop",
		Collections: []config.Collection{
			{Name: "doc", Hosts: []string{"docs"}, Base: "/usr/share/doc"},
			{Name: "src", Hosts: []string{"old1", "old2"}, Base: "/usr", Release: "stable"},
		},
	}

	tests := []struct {
		name      string
		exists    bool
		cliOpts   config.Collection
		stdin     string
		expConfig config.Client
	}{
		{
			name:    "NewConfigFromFlags",
			cliOpts: config.Collection{Name: "src", Hosts: []string{"sup1"}, Base: "/usr"},
			expConfig: config.Client{Collections: []config.Collection{
				{Name: "src", Hosts: []string{"sup1"}, Base: "/usr"},
			}},
		},
		{
			name:    "NewConfigPrompted",
			cliOpts: config.Collection{Name: "src"},
			// Enter the hosts manually, then pick the working directory.
			stdin: "sup1,sup2\n1\n",
			expConfig: config.Client{Collections: []config.Collection{
				{Name: "src", Hosts: []string{"sup1", "sup2"}, Base: "/home/user"},
			}},
		},
		{
			name:    "InvalidHostsPromptedAgain",
			cliOpts: config.Collection{Name: "src", Base: "/usr"},
			stdin:   "\nsup1\n",
			expConfig: config.Client{Collections: []config.Collection{
				{Name: "src", Hosts: []string{"sup1"}, Base: "/usr"},
			}},
		},
		{
			name:   "UpdateExisting",
			exists: true,
			cliOpts: config.Collection{Name: "src", Hosts: []string{"new1"},
				Prefix: "/opt/src"},
			// Keep the current base.
			stdin: "2\n",
			expConfig: config.Client{
				Hostname: "laptop",
				Collections: []config.Collection{
					existing.Collections[0],
					{Name: "src", Hosts: []string{"new1"}, Base: "/usr",
						Prefix: "/opt/src", Release: "stable"},
				},
			},
		},
		{
			name:    "AddToExisting",
			exists:  true,
			cliOpts: config.Collection{Name: "www", Hosts: []string{"web"}, Base: "/var/www"},
			expConfig: config.Client{
				Hostname: "laptop",
				Collections: append(append([]config.Collection{}, existing.Collections...),
					config.Collection{Name: "www", Hosts: []string{"web"}, Base: "/var/www"}),
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			stdout = bytes.NewBuffer(nil)
			stdin = strings.NewReader(test.stdin)
			getWorkingDirectory = func() (string, error) { return "/home/user", nil }
			stat = func(string) (os.FileInfo, error) {
				if test.exists {
					return nil, nil
				}
				return nil, os.ErrNotExist
			}
			parseClientConfig = func(string) (config.Client, error) {
				// Copy the collections so that the tests don't share them.
				cfg := existing
				cfg.Collections = append([]config.Collection{}, existing.Collections...)
				return cfg, nil
			}

			var written config.Client
			writeClientConfig = func(path string, cfg config.Client) error {
				assert.Equal(t, "/etc/sup.yaml", path)
				written = cfg
				return nil
			}

			defer func() {
				stdout = os.Stdout
				stdin = os.Stdin
				getWorkingDirectory = os.Getwd
				stat = os.Stat
				parseClientConfig = config.ParseClient
				writeClientConfig = config.WriteClient
			}()

			require.NoError(t, SetupCollection("/etc/sup.yaml", test.cliOpts))
			assert.Equal(t, test.expConfig, written)
		})
	}
}

func TestHashPassword(t *testing.T) {
	defer func() { stdin = os.Stdin }()

	stdin = strings.NewReader("hunter2\n")
	hash, err := hashPassword()
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	stdin = strings.NewReader("\n")
	_, err = hashPassword()
	assert.EqualError(t, err, "The password is empty.")
}
