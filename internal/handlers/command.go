package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/internal/services/user"
	"github.com/sirupsen/logrus"
)

// Call is one parsed command invocation
type Call struct {
	// Identity keys the session the command acts on.
	Identity string
	// CallerID is the sender, checked against the admin id.
	CallerID string
	// Line is the untrimmed text after the command prefix.
	Line string
	Name string
	Args []string
}

// Rest returns the raw text after the command name.
func (c *Call) Rest() string {
	return restAfter(c.Line, 1)
}

// HandlerFunc executes a command. Returned errors of the user package are
// turned into replies by the router.
type HandlerFunc func(ctx context.Context, call *Call) (string, error)

// Command is one entry of the command table
type Command struct {
	Name string
	// Description and Help are message IDs.
	Description string
	Help        string
	// ArgNums lists the accepted argument counts; nil leaves it unchecked.
	ArgNums   []int
	AdminOnly bool
	Handler   HandlerFunc
}

func newCommand(name string, argNums []int, handler HandlerFunc) *Command {
	return &Command{
		Name:        name,
		Description: "cmd_" + name + "_desc",
		Help:        "cmd_" + name + "_help",
		ArgNums:     argNums,
		Handler:     handler,
	}
}

func counts(n ...int) []int {
	return n
}

// messages renders replies with the command prefix always available to
// templates.
type messages struct {
	tr     i18n.Translator
	prefix string
}

func (m messages) t(id string, data map[string]any) string {
	if data == nil {
		data = make(map[string]any, 1)
	}
	if _, ok := data["Prefix"]; !ok {
		data["Prefix"] = m.prefix
	}
	return m.tr.T(id, data)
}

// CommandRouter resolves, validates and executes command lines
type CommandRouter struct {
	messages
	adminID  string
	commands []*Command
	index    map[string]*Command
	logger   *logrus.Logger
	metrics  *middleware.Metrics
}

// NewCommandRouter creates a router holding only the built-in help command.
func NewCommandRouter(prefix, adminID string, tr i18n.Translator, logger *logrus.Logger) *CommandRouter {
	r := &CommandRouter{
		messages: messages{tr: tr, prefix: prefix},
		adminID:  adminID,
		index:    make(map[string]*Command),
		logger:   logger,
		metrics:  middleware.NewMetrics(),
	}
	r.Register(newCommand("help", counts(0, 1), r.help))
	return r
}

// Register adds commands to the table. A name registered twice keeps its
// position and takes the newer definition.
func (r *CommandRouter) Register(cmds ...*Command) {
	for _, cmd := range cmds {
		if old, ok := r.index[cmd.Name]; ok {
			r.commands[slices.Index(r.commands, old)] = cmd
		} else {
			r.commands = append(r.commands, cmd)
		}
		r.index[cmd.Name] = cmd
	}
}

// Dispatch executes line, the text after the command prefix, on behalf of
// callerID against the session of identity.
func (r *CommandRouter) Dispatch(ctx context.Context, identity, callerID, line string) string {
	fields := strings.Fields(line)
	name := ""
	if len(fields) > 0 {
		name = fields[0]
	}
	log := r.logger.WithFields(logrus.Fields{
		"identity": identity,
		"command":  name,
	})

	cmd, ok := r.index[name]
	if !ok {
		log.Warn("Command not found")
		return r.t(i18n.MsgUnknownCommand, map[string]any{"Name": name})
	}

	call := &Call{
		Identity: identity,
		CallerID: callerID,
		Line:     line,
		Name:     name,
		Args:     fields[1:],
	}

	if cmd.AdminOnly && !r.isAdmin(callerID) {
		log.WithField("caller", callerID).Warn("Admin command refused")
		return r.t(i18n.MsgPermissionDenied, map[string]any{"Name": name})
	}
	if cmd.ArgNums != nil && !slices.Contains(cmd.ArgNums, len(call.Args)) {
		log.WithField("args", len(call.Args)).Debug("Wrong argument count")
		return r.argCountError(name, cmd.ArgNums, len(call.Args))
	}

	log.Debug("Executing command")
	r.metrics.RecordCommandExecuted(name)

	reply, err := cmd.Handler(ctx, call)
	if err != nil {
		if msg, ok := r.userError(err); ok {
			return msg
		}
		log.WithError(err).Error("Command failed")
		return r.t(i18n.MsgCommandFailed, map[string]any{"Name": name})
	}
	return reply
}

func (r *CommandRouter) isAdmin(callerID string) bool {
	return r.adminID != "" && callerID == r.adminID
}

func (r *CommandRouter) argCountError(name string, accepted []int, got int) string {
	return r.t(i18n.MsgArgCount, map[string]any{
		"Name":   name,
		"Counts": accepted,
		"Got":    got,
	})
}

// userError maps the session errors a user can cause to their reply.
func (r *CommandRouter) userError(err error) (string, bool) {
	switch {
	case errors.Is(err, user.ErrNoConversation):
		return r.t(i18n.MsgNoConversation, nil), true
	case errors.Is(err, user.ErrEmptyHistory):
		return r.t(i18n.MsgEmptyHistory, nil), true
	case errors.Is(err, user.ErrIndexOutOfRange):
		return r.t(i18n.MsgIndexOutOfRange, nil), true
	case errors.Is(err, user.ErrImagesDisabled):
		return r.t(i18n.MsgImageDisabled, nil), true
	case errors.Is(err, errNotNumber):
		return r.t(i18n.MsgIndexNotNumber, nil), true
	}
	return "", false
}

func (r *CommandRouter) help(ctx context.Context, c *Call) (string, error) {
	if len(c.Args) == 1 {
		cmd, ok := r.index[c.Args[0]]
		if !ok {
			return r.t(i18n.MsgUnknownCommand, map[string]any{"Name": c.Args[0]}), nil
		}
		return r.describe(cmd), nil
	}

	var b strings.Builder
	b.WriteString(r.t(i18n.MsgHelpHeader, nil))
	for _, cmd := range r.commands {
		fmt.Fprintf(&b, "\n%s: %s", cmd.Name, r.t(cmd.Description, nil))
	}
	b.WriteString("\n\n")
	b.WriteString(r.t(i18n.MsgHelpFooter, map[string]any{
		"Help": r.t(r.index["help"].Help, nil),
	}))
	return b.String(), nil
}

func (r *CommandRouter) describe(cmd *Command) string {
	help := r.t(i18n.MsgNoHelp, nil)
	if cmd.Help != "" {
		help = r.t(cmd.Help, nil)
	}
	return r.t(i18n.MsgHelpCommand, map[string]any{
		"Name":        cmd.Name,
		"Description": r.t(cmd.Description, nil),
		"Help":        help,
	})
}

var errNotNumber = errors.New("index is not a number")

// parseIndex turns a 1-based index argument into a 0-based one.
func parseIndex(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errNotNumber, arg)
	}
	return n - 1, nil
}

// restAfter drops leading whitespace and the first n words of line, and
// returns the remainder with its own leading whitespace removed.
func restAfter(line string, n int) string {
	rest := strings.TrimLeftFunc(line, unicode.IsSpace)
	for i := 0; i < n && rest != ""; i++ {
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[end:], unicode.IsSpace)
	}
	return rest
}
