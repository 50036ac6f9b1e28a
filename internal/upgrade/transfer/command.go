package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// ImagePlaceholder in a command prefix is replaced by the tool image.
const ImagePlaceholder = "{image}"

// PasswordEnv carries the endpoint password to the tools. It never appears
// in argv.
const PasswordEnv = "PGPASSWORD"

// DefaultPrefix runs the dump and restore tools inside a throwaway container
// of the tool image sharing the host network, so both reach instances
// published on 127.0.0.1. The password is forwarded from the environment.
const DefaultPrefix = "docker run -i --rm --network host -e " + PasswordEnv + " " + ImagePlaceholder

// Command is one tool invocation. Env is added to the inherited environment.
type Command struct {
	Argv []string
	Env  []string
}

func (c Command) cmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// String renders argv for logs.
func (c Command) String() string {
	return shellquote.Join(c.Argv...)
}

// CommandSpec describes how dump and restore processes are launched.
type CommandSpec struct {
	// Prefix is a shell-quoted argv prepended to every tool invocation.
	// Empty runs the tools from PATH.
	Prefix      string   `yaml:"prefix"`
	DumpTool    string   `yaml:"dumpTool"`
	RestoreTool string   `yaml:"restoreTool"`
	DumpArgs    []string `yaml:"dumpArgs"`
	RestoreArgs []string `yaml:"restoreArgs"`
}

// DefaultCommandSpec dumps in the custom archive format and restores without
// ownership or privilege statements, since roles are not migrated.
func DefaultCommandSpec() CommandSpec {
	return CommandSpec{
		Prefix:      DefaultPrefix,
		DumpTool:    "pg_dump",
		RestoreTool: "pg_restore",
		DumpArgs:    []string{"--format=custom"},
		RestoreArgs: []string{"--no-owner", "--no-acl", "--exit-on-error"},
	}
}

func (c CommandSpec) prefix(image string) ([]string, error) {
	if strings.TrimSpace(c.Prefix) == "" {
		return nil, nil
	}
	if strings.Contains(c.Prefix, ImagePlaceholder) && image == "" {
		return nil, fmt.Errorf("command prefix %q needs a tool image", c.Prefix)
	}
	argv, err := shellquote.Split(strings.ReplaceAll(c.Prefix, ImagePlaceholder, image))
	if err != nil {
		return nil, fmt.Errorf("invalid command prefix %q: %w", c.Prefix, err)
	}
	return argv, nil
}

// DumpCommand builds the dump invocation for src narrowed by sel.
func (c CommandSpec) DumpCommand(image string, src model.Endpoint, sel model.Selection) (Command, error) {
	argv, err := c.prefix(image)
	if err != nil {
		return Command{}, err
	}
	argv = append(argv, c.DumpTool)
	argv = append(argv, c.DumpArgs...)
	argv = append(argv, sel.DumpArgs()...)
	return toolCommand(argv, src), nil
}

// RestoreCommand builds the restore invocation into dst reading from stdin.
func (c CommandSpec) RestoreCommand(image string, dst model.Endpoint) (Command, error) {
	argv, err := c.prefix(image)
	if err != nil {
		return Command{}, err
	}
	argv = append(argv, c.RestoreTool)
	argv = append(argv, c.RestoreArgs...)
	return toolCommand(argv, dst), nil
}

func toolCommand(argv []string, ep model.Endpoint) Command {
	var env []string
	if ep.Password != "" {
		env = []string{PasswordEnv + "=" + ep.Password}
		ep.Password = ""
	}
	return Command{Argv: append(argv, "--dbname="+ep.ConnString()), Env: env}
}
