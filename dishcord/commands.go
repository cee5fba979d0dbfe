package dishcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/shlex"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

const (
	commandPing             = "ping"
	commandAsk              = "ask"
	commandRecipe           = "recipe"
	commandMealPlan         = "meal_plan"
	commandSetPreferences   = "set_preferences"
	commandPreferences      = "preferences"
	commandClearPreferences = "clear_preferences"
	commandSaveFavorite     = "save_favorite"
	commandFavorites        = "favorites"
	commandFavorite         = "favorite"
	commandRemoveFavorite   = "remove_favorite"
	commandRenameFavorite   = "rename_favorite"
	commandTagFavorite      = "tag_favorite"
	commandHelp             = "help"
)

const (
	optionQuestion       = "question"
	optionIngredients    = "ingredients"
	optionDiet           = "diet"
	optionMaxCalories    = "max_calories"
	optionMaxPrepMinutes = "max_prep_minutes"
	optionGoal           = "goal"
	optionDays           = "days"
	optionDailyCalories  = "daily_calories"
	optionFlavor         = "flavor"
	optionFavoriteDish   = "favorite_dish"
	optionCuisines       = "cuisines"
	optionAllergens      = "allergens"
	optionTitle          = "title"
	optionNewTitle       = "new_title"
	optionTag            = "tag"
	optionTags           = "tags"
)

var (
	// ErrDuplicateCommand is returned when registering a command name
	// that's already registered
	ErrDuplicateCommand = errors.New("duplicate command")

	// ErrUnknownCommand is returned for commands that aren't registered
	ErrUnknownCommand = errors.New("unknown command")
)

// CommandRequest is a single command invocation, from either a slash
// command or a prefixed text message
type CommandRequest struct {
	Name      string
	UserID    string
	Username  string
	ChannelID string
	GuildID   string

	// Options holds option values keyed by option name
	Options map[string]string

	Method DiscordInteractionReceiveMethod
}

// Option returns the trimmed value of the named option, or an empty string
func (r CommandRequest) Option(name string) string {
	return strings.TrimSpace(r.Options[name])
}

// IntOption returns the value of the named option as an int, or nil if
// the option wasn't given. A non-numeric value is a *ValidationError.
func (r CommandRequest) IntOption(name string) (*int, error) {
	v := r.Option(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, &ValidationError{
			Field:   name,
			Message: fmt.Sprintf("`%s` must be a whole number", name),
		}
	}
	return &n, nil
}

// CommandHandlerFunc handles a single command. Returned errors are
// reported to the user by the dispatcher.
type CommandHandlerFunc func(ctx context.Context, req CommandRequest, r Responder) error

// Command describes a command: its handler, and how it's exposed as a
// slash command and as a text command.
type Command struct {
	Name        string
	Description string
	Options     []*discordgo.ApplicationCommandOption

	// Deferred commands are acknowledged before the handler runs, for
	// handlers that may take longer than Discord's response window
	Deferred bool

	// TextArgs names the options filled by positional arguments of a
	// text command. The last one receives all remaining arguments.
	TextArgs []string

	// RawText passes everything after the command name to the first
	// TextArgs option untouched, rather than splitting it
	RawText bool

	Handler CommandHandlerFunc
}

func (c Command) hasOption(name string) bool {
	for _, opt := range c.Options {
		if opt.Name == name {
			return true
		}
	}
	return false
}

// ApplicationCommand returns the slash command definition
func (c Command) ApplicationCommand() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}
	dmPerm := true
	return &discordgo.ApplicationCommand{
		Name:             c.Name,
		Description:      c.Description,
		Type:             discordgo.ChatApplicationCommand,
		DMPermission:     &dmPerm,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options:          c.Options,
	}
}

// CommandRouter maps command names to commands. Names are unique:
// registering a name twice is an error, never a silent override.
type CommandRouter struct {
	mu       sync.RWMutex
	commands map[string]*Command
	order    []string
}

func NewCommandRouter() *CommandRouter {
	return &CommandRouter{commands: map[string]*Command{}}
}

// Register adds a command to the router
func (r *CommandRouter) Register(cmd Command) error {
	cmd.Name = strings.ToLower(strings.TrimSpace(cmd.Name))
	if cmd.Name == "" {
		return errors.New("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}
	for _, arg := range cmd.TextArgs {
		if !cmd.hasOption(arg) {
			return fmt.Errorf("command %q: text argument %q is not an option", cmd.Name, arg)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	r.commands[cmd.Name] = &cmd
	r.order = append(r.order, cmd.Name)
	return nil
}

// Lookup returns the command registered under name
func (r *CommandRouter) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Commands returns all commands, in the order they were registered
func (r *CommandRouter) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		rv = append(rv, r.commands[name])
	}
	return rv
}

// ApplicationCommands returns the slash command definitions of every
// registered command
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	commands := r.Commands()
	rv := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, cmd := range commands {
		rv = append(rv, cmd.ApplicationCommand())
	}
	return rv
}

// ParseText parses a prefixed text command like
// `!recipe "chicken thighs, rice" diet=keto`. ok is false if content
// doesn't start with the prefix. Arguments are split shell-style, and
// `name=value` arguments set the option of the same name.
func (r *CommandRouter) ParseText(prefix string, content string) (
	name string,
	options map[string]string,
	ok bool,
	err error,
) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false, nil
	}
	rest := strings.TrimLeftFunc(strings.TrimPrefix(content, prefix), unicode.IsSpace)
	name, argText := rest, ""
	if idx := strings.IndexFunc(rest, unicode.IsSpace); idx >= 0 {
		name, argText = rest[:idx], rest[idx:]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false, nil
	}
	argText = strings.TrimSpace(argText)

	cmd, found := r.Lookup(name)
	if !found {
		return name, nil, true, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	options = map[string]string{}
	if argText == "" {
		return cmd.Name, options, true, nil
	}
	if cmd.RawText && len(cmd.TextArgs) > 0 {
		options[cmd.TextArgs[0]] = argText
		return cmd.Name, options, true, nil
	}

	args, splitErr := shlex.Split(argText)
	if splitErr != nil {
		// unbalanced quotes, most likely an apostrophe
		args = strings.Fields(argText)
	}

	var positional []string
	for _, arg := range args {
		if key, value, isOption := strings.Cut(arg, "="); isOption && cmd.hasOption(strings.ToLower(key)) {
			options[strings.ToLower(key)] = value
			continue
		}
		positional = append(positional, arg)
	}

	for i, optName := range cmd.TextArgs {
		if i >= len(positional) {
			break
		}
		if i == len(cmd.TextArgs)-1 {
			options[optName] = strings.Join(positional[i:], " ")
			break
		}
		options[optName] = positional[i]
	}
	return cmd.Name, options, true, nil
}

// interactionOptions converts slash command options to strings
func interactionOptions(i *discordgo.InteractionCreate) map[string]string {
	rv := map[string]string{}
	for name, opt := range discordInteractionOptions(i) {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			rv[name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			rv[name] = strconv.FormatInt(opt.IntValue(), 10)
		case discordgo.ApplicationCommandOptionBoolean:
			rv[name] = strconv.FormatBool(opt.BoolValue())
		default:
			rv[name] = fmt.Sprint(opt.Value)
		}
	}
	return rv
}

func stringChoices(values []string) []*discordgo.ApplicationCommandOptionChoice {
	rv := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(values))
	for _, v := range values {
		rv = append(rv, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	return rv
}
