package render

const pageTemplate = `{{define "page"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.StepTitle}} · {{.Title}}</title>
<link rel="stylesheet" href="/assets/wizard.css">
</head>
<body>
<main class="wizard" data-session="{{.SessionID}}" data-step="{{.Step}}" data-mode="{{.Mode}}">
<header>
<h1>{{.Title}}</h1>
<ol class="wizard-steps">
{{- range .Links}}
<li class="{{if .Current}}current{{end}}{{if .Completed}} completed{{end}}" data-step="{{.Step}}"><a href="{{.URL}}" data-goto="{{.Step}}">{{.Title}}</a></li>
{{- end}}
</ol>
</header>
<div id="wizard-notices" class="wizard-notices" role="status"></div>
<section id="step-{{.Step}}" class="wizard-step" data-step="{{.Step}}">
<h2>{{.StepTitle}}</h2>
{{if .Help}}<aside class="wizard-help">{{.Help}}</aside>{{end}}
{{if .Locked}}<p class="notice notice-warning">This step requires an upgrade.</p>{{end}}
<form id="wizard-form" data-step="{{.Step}}" novalidate>
{{- range .Fields}}
<label for="field-{{.Name}}">{{.Label}}{{if .Required}} <span class="required">*</span>{{end}}</label>
{{- if eq .Type "select"}}
<select id="field-{{.Name}}" name="{{.Name}}"{{if .Required}} required{{end}}>
{{- range .Options}}<option value="{{.Value}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>{{end}}
</select>
{{- else if eq .Type "textarea"}}
<textarea id="field-{{.Name}}" name="{{.Name}}"{{if .Required}} required{{end}}>{{.Value}}</textarea>
{{- else}}
<input id="field-{{.Name}}" name="{{.Name}}" type="{{.Type}}" value="{{.Value}}"{{if .Required}} required{{end}}>
{{- end}}
<small class="field-error" data-field="{{.Name}}"></small>
{{- end}}
{{- range .Summary}}
<h3>{{.Title}}</h3>
<dl>{{range .Fields}}<dt>{{.Label}}</dt><dd>{{.Value}}</dd>{{end}}</dl>
{{- end}}
</form>
</section>
<nav class="wizard-controls">
{{- if not .First}}<button type="button" data-action="prev">Back</button>{{end}}
{{- if .Last}}
<button type="button" data-action="complete" data-draft="true">Save as draft</button>
<button type="button" data-action="complete" class="primary">Publish</button>
{{- else}}
<button type="button" data-action="next" class="primary">Next</button>
{{- end}}
</nav>
</main>
<script src="/assets/wizard.js"></script>
</body>
</html>
{{end}}`
