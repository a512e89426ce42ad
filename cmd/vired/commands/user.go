package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/prompt"
	"github.com/vire-cms/vire/pkg/user"
)

var (
	hashStdin bool
	hashCost  int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User helpers",
}

var userHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a password for the users section",
	Long: `Hash a password with bcrypt for the password_hash field of a user.

The password is read interactively (twice) unless --stdin is given, in
which case the first line of standard input is used.

Examples:
  vired user hash
  echo "$PASSWORD" | vired user hash --stdin`,
	RunE: runUserHash,
}

func init() {
	userHashCmd.Flags().BoolVar(&hashStdin, "stdin", false, "Read the password from standard input")
	userHashCmd.Flags().IntVar(&hashCost, "cost", user.DefaultBcryptCost, "bcrypt cost")
	userCmd.AddCommand(userHashCmd)
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runUserHash(cmd *cobra.Command, args []string) error {
	var (
		password string
		err      error
	)
	if hashStdin {
		password, err = readPasswordLine(cmd.InOrStdin())
	} else {
		password, err = prompt.NewPassword(user.ValidatePassword)
	}
	if err != nil {
		if prompt.IsAborted(err) {
			return nil
		}
		return err
	}

	hash, err := user.HashPasswordWithCost(password, hashCost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
