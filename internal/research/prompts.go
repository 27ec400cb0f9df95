package research

const queriesSystemPrompt = `You plan web research.
Generate search queries for the topic you are given. Produce between 3 and 6 distinct queries that each cover a different angle of the topic (background, recent developments, data, opposing views, expert analysis). Do not produce keyword permutations of the same query.
Respond with JSON only: {"queries": ["...", "..."]}`

const queriesUserTemplate = `Topic: %s`

const synthesisSystemPrompt = `You are a research analyst.
Write a focused narrative that answers the research topic using only the search results provided.
Cite every fact inline as a markdown link to its source, for example [fact](https://source.example).
Ignore results that are irrelevant to the topic. Do not invent sources.`

const synthesisUserTemplate = `Research topic: %s

Search results:
%s`
