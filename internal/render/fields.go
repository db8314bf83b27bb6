package render

import "github.com/livetemplate/wizard"

// Field describes one form control on a step page.
type Field struct {
	Name     string
	Label    string
	Type     string // text, textarea, number, date or select
	Options  []Option
	Required bool
	Value    string
}

// Option is one choice of a select field.
type Option struct {
	Value    string
	Label    string
	Selected bool
}

var stepFields = map[wizard.Step][]Field{
	wizard.StepBasic: {
		{Name: "name", Label: "Campaign name", Type: "text"},
		{Name: "description", Label: "Description", Type: "textarea"},
	},
	wizard.StepProducts: {
		{Name: "product_selection_type", Label: "Products", Type: "select", Options: []Option{
			{Value: "", Label: "Choose…"},
			{Value: "all", Label: "All products"},
			{Value: "specific", Label: "Specific products"},
			{Value: "collection", Label: "A collection"},
		}},
		{Name: "product_ids", Label: "Product or collection IDs", Type: "text"},
	},
	wizard.StepDiscounts: {
		{Name: "discount_type", Label: "Discount type", Type: "select", Options: []Option{
			{Value: "", Label: "Choose…"},
			{Value: "percent", Label: "Percentage"},
			{Value: "fixed", Label: "Fixed amount"},
		}},
		{Name: "discount_value", Label: "Discount value", Type: "number"},
	},
	wizard.StepSchedule: {
		{Name: "start_type", Label: "Start", Type: "select", Options: []Option{
			{Value: "", Label: "Choose…"},
			{Value: "now", Label: "Immediately"},
			{Value: "scheduled", Label: "On a date"},
		}},
		{Name: "start_date", Label: "Start date", Type: "date"},
		{Name: "end_date", Label: "End date", Type: "date"},
	},
}

// Fields returns the controls of step filled with values from data. Fields
// listed in required are marked as such.
func Fields(step wizard.Step, data wizard.FieldMap, required []string) []Field {
	defs := stepFields[step]
	out := make([]Field, 0, len(defs))
	for _, def := range defs {
		f := def
		f.Value = fieldValue(data[f.Name])
		for _, name := range required {
			if name == f.Name {
				f.Required = true
			}
		}
		if len(def.Options) > 0 {
			f.Options = make([]Option, len(def.Options))
			for i, opt := range def.Options {
				opt.Selected = opt.Value == f.Value
				f.Options[i] = opt
			}
		}
		out = append(out, f)
	}
	return out
}
