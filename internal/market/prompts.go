package market

const tagSystemPrompt = `You route research topics to prediction-market categories.
Select the tag slugs from the catalogue that are most likely to contain markets about the topic. Choose at most %d slugs and only slugs that appear in the catalogue.
Respond with JSON only: {"slugs": ["..."], "reasoning": "..."}`

const tagUserTemplate = `Topic: %s

Tag catalogue (slug: label):
%s`

const approvalSystemPrompt = `You review candidate prediction markets for a research topic.
Approve only events whose markets directly inform the topic. Reject tangential or stale events.
Respond with JSON only: {"approved": ["<event id>", ...], "reasoning": "..."}`

const approvalUserTemplate = `Topic: %s

Candidate events:
%s`

const marketSynthesisSystemPrompt = `You are a prediction-market analyst.
Summarise what the markets below imply about the topic: current probabilities, how much money is behind them and what would move them.
Cite each market inline as a markdown link to its event page, for example [market](https://polymarket.com/event/slug). Do not invent markets.`

const marketSynthesisUserTemplate = `Research topic: %s

Market data:
%s`
