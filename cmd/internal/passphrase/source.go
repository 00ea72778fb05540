package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a wallet secret (a QR PIN or a mnemonic password)
// from an environment variable or by prompting the operator. The value is
// cached after the first successful retrieval so repeated calls reuse it.
type Source struct {
	envVar     string
	prompt     string
	allowEmpty bool
	check      func(string) error

	// overridable for tests
	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	readSecret func() ([]byte, error)
	out        io.Writer

	once  sync.Once
	value string
	err   error
}

type Option func(*Source)

// AllowEmpty accepts an empty secret; mnemonic passwords are optional.
func AllowEmpty() Option {
	return func(s *Source) { s.allowEmpty = true }
}

// WithCheck validates the resolved secret before it is cached.
func WithCheck(check func(string) error) Option {
	return func(s *Source) { s.check = check }
}

// NewSource constructs a source that checks envVar before interactively
// prompting on the terminal with prompt.
func NewSource(envVar, prompt string, opts ...Option) *Source {
	s := &Source{
		envVar:     strings.TrimSpace(envVar),
		prompt:     prompt,
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		readSecret: func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) },
		out:        os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached secret or resolves it if this is the first call.
// When the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
		if s.err == nil && s.check != nil {
			if err := s.check(s.value); err != nil {
				s.value, s.err = "", err
			}
		}
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" && !s.allowEmpty {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !s.isTerminal() {
		if s.allowEmpty {
			return "", nil
		}
		if s.envVar != "" {
			return "", fmt.Errorf("%s required; set %s or run interactively", s.label(), s.envVar)
		}
		return "", fmt.Errorf("%s required and no terminal available", s.label())
	}

	fmt.Fprintf(s.out, "%s: ", s.prompt)
	bytes, err := s.readSecret()
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", s.label(), err)
	}

	secret := string(bytes)
	if strings.TrimSpace(secret) == "" && !s.allowEmpty {
		return "", errors.New(s.label() + " cannot be empty")
	}
	return secret, nil
}

func (s *Source) label() string {
	if s.prompt == "" {
		return "secret"
	}
	return strings.ToLower(s.prompt)
}
