package prompt

// DefaultTemplate is used when no prompt.template override is configured.
const DefaultTemplate = `# Task {{task_id}}: {{task_name}}

> **Do not invoke any skills or slash commands.** Use only built-in tools.

You are implementing one task from the project task list ({{tasks_file}}).
Work in the current repository and do not start work on any other task.

Priority: {{priority}}
{{#if milestone}}Milestone: {{milestone}}
{{/if}}{{#if estimate}}Estimate: {{estimate}}
{{/if}}{{#if dependencies}}Completed dependencies: {{dependencies}}
{{/if}}
{{#if description}}
## Description
{{description}}
{{/if}}
{{#if checklist}}
## Checklist
{{checklist}}
{{/if}}
{{#if retry_note}}
## Retry
{{retry_note}}
{{/if}}
{{#if previous_failures}}
## Previous Failures
{{previous_failures}}
{{/if}}
{{#if failure_excerpts}}
## Check Output From The Last Attempt
The following checks failed after your last attempt and must pass now:

{{failure_excerpts}}
{{/if}}

## Instructions
1. Read the relevant code to understand the current state
2. Implement the task described above
3. Write or update tests for your changes
4. Run the tests and fix any failures
5. Do not edit {{tasks_file}}; task status is tracked for you

## Finishing
When the task is fully implemented and verified, print a line containing exactly:
{{complete_marker}}

If you cannot complete the task, print a single line:
{{failed_marker}} <short reason>
`
