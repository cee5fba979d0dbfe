package dishcord

import (
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	"reflect"
	"strings"
)

// DietTypes are the diet values accepted by the recipe and meal plan
// commands
var DietTypes = []string{
	"omnivore",
	"vegetarian",
	"vegan",
	"pescatarian",
	"keto",
	"paleo",
	"gluten-free",
	"dairy-free",
	"low-carb",
}

// MealPlanGoals are the accepted goal directions for a meal plan
var MealPlanGoals = []string{"lose", "maintain", "gain"}

const (
	mealPlanMinDays = 1
	mealPlanMaxDays = 7
)

// ValidationError is returned when command arguments are malformed or
// out of range. Message is shown to the user as-is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RecipeRequest holds the arguments of the recipe command
//
//nolint:lll // struct tags can't be split
type RecipeRequest struct {
	Ingredients    string `json:"ingredients" binding:"required,max=1000"`
	DietType       string `json:"diet" binding:"omitempty,oneof=omnivore vegetarian vegan pescatarian keto paleo gluten-free dairy-free low-carb"`
	MaxCalories    *int   `json:"max_calories" binding:"omitempty,gt=0"`
	MaxPrepMinutes *int   `json:"max_prep_minutes" binding:"omitempty,gt=0"`
}

// Validate normalizes the request and checks it against the allowed
// values. Returns a *ValidationError on failure.
func (r *RecipeRequest) Validate() error {
	r.Ingredients = strings.TrimSpace(r.Ingredients)
	r.DietType = strings.ToLower(strings.TrimSpace(r.DietType))
	return validateRequest(r)
}

// MealPlanRequest holds the arguments of the meal_plan command
//
//nolint:lll // struct tags can't be split
type MealPlanRequest struct {
	Goal          string `json:"goal" binding:"required,oneof=lose maintain gain"`
	Days          int    `json:"days" binding:"min=1,max=7"`
	DailyCalories *int   `json:"daily_calories" binding:"omitempty,gt=0"`
	DietType      string `json:"diet" binding:"omitempty,oneof=omnivore vegetarian vegan pescatarian keto paleo gluten-free dairy-free low-carb"`
}

func (r *MealPlanRequest) Validate() error {
	r.Goal = strings.ToLower(strings.TrimSpace(r.Goal))
	r.DietType = strings.ToLower(strings.TrimSpace(r.DietType))
	if r.Days == 0 {
		r.Days = mealPlanMaxDays
	}
	return validateRequest(r)
}

func validateRequest(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrors[0]
	return &ValidationError{Field: fe.Field(), Message: fieldErrorMessage(fe)}
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("`%s` is required", field)
	case "oneof":
		return fmt.Sprintf(
			"`%s` must be one of: %s",
			field,
			strings.Join(strings.Fields(fe.Param()), ", "),
		)
	case "gt":
		return fmt.Sprintf("`%s` must be greater than %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("`%s` must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("`%s` must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("`%s` must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("`%s` is invalid", field)
	}
}

// recipeMessages builds the prompt for a recipe request, with the
// user's stored preferences interpolated
func recipeMessages(systemPrompt string, req RecipeRequest, prefs Preferences) []ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Suggest a recipe using these ingredients: %s.", req.Ingredients)

	diet := req.DietType
	if diet == "" {
		diet = prefs.Diet
	}
	if diet != "" {
		fmt.Fprintf(&sb, " The recipe must be suitable for a %s diet.", diet)
	}
	if req.MaxCalories != nil {
		fmt.Fprintf(&sb, " Keep it under %d calories per serving.", *req.MaxCalories)
	}
	if req.MaxPrepMinutes != nil {
		fmt.Fprintf(&sb, " It should take no more than %d minutes to prepare.", *req.MaxPrepMinutes)
	}
	writePreferences(&sb, prefs)
	sb.WriteString(" Include a title, an ingredient list with quantities, and numbered steps.")
	return promptMessages(systemPrompt, sb.String())
}

func mealPlanMessages(systemPrompt string, req MealPlanRequest, prefs Preferences) []ChatMessage {
	var sb strings.Builder
	dayWord := "days"
	if req.Days == 1 {
		dayWord = "day"
	}
	fmt.Fprintf(
		&sb,
		"Create a %d %s meal plan for someone who wants to %s weight.",
		req.Days,
		dayWord,
		req.Goal,
	)
	if req.DailyCalories != nil {
		fmt.Fprintf(&sb, " Target about %d calories per day.", *req.DailyCalories)
	}
	diet := req.DietType
	if diet == "" {
		diet = prefs.Diet
	}
	if diet != "" {
		fmt.Fprintf(&sb, " Every meal must fit a %s diet.", diet)
	}
	writePreferences(&sb, prefs)
	sb.WriteString(" List breakfast, lunch and dinner for each day.")
	return promptMessages(systemPrompt, sb.String())
}

func askMessages(systemPrompt string, question string) []ChatMessage {
	return promptMessages(systemPrompt, question)
}

func promptMessages(systemPrompt string, prompt string) []ChatMessage {
	var messages []ChatMessage
	if systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: openaiRoleSystem, Content: systemPrompt})
	}
	return append(messages, ChatMessage{Role: openaiRoleUser, Content: prompt})
}

// writePreferences appends the non-diet preferences to a prompt
func writePreferences(sb *strings.Builder, prefs Preferences) {
	if prefs.Flavor != "" {
		fmt.Fprintf(sb, " I like %s flavors.", prefs.Flavor)
	}
	if prefs.FavoriteDish != "" {
		fmt.Fprintf(sb, " My favorite dish is %s.", prefs.FavoriteDish)
	}
	if len(prefs.FavoriteCuisines) > 0 {
		fmt.Fprintf(sb, " I enjoy %s cuisine.", strings.Join(prefs.FavoriteCuisines, ", "))
	}
	if len(prefs.Allergens) > 0 {
		fmt.Fprintf(
			sb,
			" Do not use anything containing: %s.",
			strings.Join(prefs.Allergens, ", "),
		)
	}
}

// formatPreferences renders preferences for display in Discord
func formatPreferences(prefs Preferences) string {
	if prefs.IsZero() {
		return "You haven't set any preferences yet. Use `/set_preferences` to add some."
	}
	var sb strings.Builder
	sb.WriteString("**Your preferences**\n")
	writeLine := func(name, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(&sb, "%s: %s\n", name, value)
	}
	writeLine("Flavor", prefs.Flavor)
	writeLine("Favorite dish", prefs.FavoriteDish)
	writeLine("Diet", prefs.Diet)
	writeLine("Favorite cuisines", strings.Join(prefs.FavoriteCuisines, ", "))
	writeLine("Allergens", strings.Join(prefs.Allergens, ", "))
	return sb.String()
}

// splitList splits a comma-separated option value
func splitList(s string) []string {
	var rv []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			rv = append(rv, part)
		}
	}
	return rv
}
