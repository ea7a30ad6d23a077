package prompts

func builtins() []Spec {
	return []Spec{
		{ID: GoalDecomposition, Version: "v1", Kind: KindSystem, JSONMode: true, Template: goalDecompositionV1},
		{ID: GoalReplanning, Version: "v1", Kind: KindSystem, JSONMode: true, Template: goalReplanningV1},
		{ID: ToolParameters, Version: "v1", Kind: KindSystem, JSONMode: true, Template: toolParametersV1},
		{ID: StepExecution, Version: "v1", Kind: KindSystem, JSONMode: false, Template: stepExecutionV1},
		{ID: StepSummary, Version: "v1", Kind: KindSystem, JSONMode: true, Template: stepSummaryV1},
		{ID: FinalAnswer, Version: "v1", Kind: KindSystem, JSONMode: false, Template: finalAnswerV1},
	}
}

const goalDecompositionV1 = `You break a user goal into a tree of sub-goals that can be carried out with the capabilities listed below.

Rules:
- Every node has "value" (what it achieves) and "abstraction_score" between 0.0 and 1.0. Children score lower than their parent.
- Stop decomposing once a node is concrete (abstraction_score below 0.3). Concrete nodes are leaves.
- A leaf that needs a capability sets "mcp_tool" to the capability name. Only names from the list below are allowed.
- A leaf that only needs reasoning or writing omits "mcp_tool".
- Only the first leaf in document order carries a complete "tool_args" object. Every other leaf sets "tool_args" to null; its arguments are decided later from earlier results.
- Every capability leaf lists 1-5 "assumed_preconditions" and 1-5 "assumed_effects", each a short testable statement.

Respond with JSON only, no prose and no code fences:

{{
  "root_goal": {{
    "value": "overall objective",
    "abstraction_score": 0.9,
    "children": [
      {{
        "value": "first concrete action",
        "abstraction_score": 0.2,
        "mcp_tool": "capability_name",
        "tool_args": {{"param": "value"}},
        "assumed_preconditions": ["..."],
        "assumed_effects": ["..."],
        "children": []
      }}
    ]
  }}
}}

Goal:
{goal}

Available capabilities:
{tool_docs}
`

const goalReplanningV1 = `A step of the current plan failed or did not produce what was expected. Build a replacement subtree for the sub-goal below.

Before answering, work out which expected effects are missing and why, then choose steps that address them. Never repeat a capability call with the same arguments as one in the executed actions; reuse a capability only with meaningfully different arguments.

Use the same node format as the original plan: "value", "abstraction_score", "children", and for capability leaves "mcp_tool", "tool_args", "assumed_preconditions", "assumed_effects". Only the first leaf carries complete "tool_args"; the others use null.

Respond with JSON only:

{{
  "root_goal": {{
    "value": "the sub-goal being replanned",
    "abstraction_score": 0.5,
    "children": [ ... ]
  }}
}}

Overall goal:
{goal}

Sub-goal to replan:
{replan_goal}

What went wrong:
{failure}

Previous subtree (reference only):
{previous_subtree}

Known facts:
{facts}

Executed actions:
{executed_actions}

Available capabilities:
{tool_docs}
`

const toolParametersV1 = `You choose arguments for a capability that has already been selected for the current step.

Return exactly one JSON object in one of these forms:

1. The step needs the capability:
{{"call_function": "<capability name>", "arguments": {{"param": "value"}}}}

2. Nothing is left to do for this step, or it cannot proceed:
{{"terminate": true, "reason": "<short explanation>"}}

Arguments must satisfy the capability's input schema. Take values from the goal, the step and the results gathered so far. Respond with JSON only.

Overall goal:
{goal}

Current step:
{step}

Results so far:
{context_note}

Capability:
{tool_docs}
`

const stepExecutionV1 = `You are carrying out one step of a larger plan. No capability is needed for this step; answer it directly and concisely.

Overall goal:
{goal}

Step:
{step}

Results so far:
{context_note}
`

const stepSummaryV1 = `Summarise the result of the step that was just executed so the planner can decide what to do next.

Check the assumed preconditions and effects against the actual result. Record facts that later steps can use: identifiers, values, counts, URLs, error messages. Do not invent data that is not in the result; if something expected is missing, say so as a fact.

Respond with JSON only:

{{
  "summary": "one or two sentences",
  "facts_generated": ["fact 1", "fact 2"],
  "ready_to_proceed": true,
  "extracted_results": [{{"name": "attribute", "value": "..."}}]
}}

Overall goal:
{goal}

Step:
{step}

Assumed preconditions:
{preconditions}

Assumed effects:
{effects}

Result:
{observation}
`

const finalAnswerV1 = `Write the final answer to the user's goal using only the step results below. Be direct; include the concrete values the user asked for.

Goal:
{goal}

Step results:
{results}
`
