package supervisor

const classifySystemPrompt = `You are the supervisor of a research assistant.
Decide the next step for the user's request:
- "research": a specific sub-topic still needs web research. Give it in "topic".
- "finish": the research notes are sufficient to write the answer.
- "direct_answer": the request needs no research at all (greetings, arithmetic, rewording a previous answer).
- "clarify": the request is too ambiguous to research. Put the question for the user in "reasoning".
Choose "answer_format": "concise" for short factual questions and "report" for analysis.%s
Do not research a topic that already has notes.
Respond with JSON only: {"next_step": "...", "topic": "...", "answer_format": "...", "reasoning": "..."%s}`

const marketSourceHint = `
Set "source" to "market" when the topic is about forecasts, odds or probabilities that prediction markets trade on, otherwise "web".`

const marketSourceField = `, "source": "web|market"`

const classifyUserTemplate = `User request: %s

Conversation summary:
%s

Recent conversation:
%s

Research iterations so far: %d of %d

Research notes:
%s`

const synthesisSystemPrompt = `You write the final answer for a research assistant.
Answer the user's request using the research notes. Keep every inline markdown citation [fact](url) from the notes and do not invent sources.
Format: %s`

const conciseFormat = `a direct answer of a few short paragraphs.`

const reportFormat = `a structured markdown report with headings, key findings and a sources section.`

const synthesisUserTemplate = `User request: %s

Conversation summary:
%s

Research notes:
%s`

const refinementTemplate = `

Previous report (revise it rather than starting over):
%s`

const directSystemPrompt = `You are a helpful research assistant. Answer the user's request directly and briefly. No research is needed.`

const directUserTemplate = `Conversation summary:
%s

Recent conversation:
%s

User request: %s`

const namingSystemPrompt = `Write a short title (at most six words) for a conversation that starts with the message below. Respond with the title only.`

const noneText = "None"
