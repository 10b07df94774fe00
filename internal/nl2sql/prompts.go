package nl2sql

const decomposePrompt = `Split the question below into two questions.
1. A question in natural language that can be answered by querying database tables directly.
2. A question to ask on top of the rows returned by the first one in order to give the final answer.

Example
Question: How is the culture of countries whose population is more than 5000000
1. Get the countries whose population is more than 5000000
2. Describe the culture of these countries

Question: %s

Answer with a JSON object: "text_to_sql_query" holds the first question and "interpretation_query" the second.`

const generateSQLPrompt = `You are an expert in %s SQL.
Write one syntactically correct read-only %s query that answers the question.
Unless the question asks for a specific number of rows, return at most 5 rows using LIMIT.
Select only the columns needed to answer the question and never select every column of a table.
Use only tables and columns listed below and keep track of which column belongs to which table.
The query must start with SELECT or WITH.

Tables:
%s
%s
Question: %s

Answer with a JSON object whose "sql_query" field holds the query.`

const similarSQLSection = `
Queries previously written against this database, for reference:
%s
`

const answerPrompt = `Answer the user question from the SQL query that was run for it and the rows it returned.

Question: %s
SQL query: %s
SQL result: %s
Answer:`

const rephrasePrompt = `Rephrase the question below so that it works well as a search query.
If it is a complex question, break it down into sub-questions, at most 5 of them.

Question: %s

Answer with a JSON object: "original_query" repeats the question and "rephrased_query" lists the rephrased questions.`

const hypotheticalPrompt = `Write a short hypothetical answer to the question below. Keep it concise and do not explain it.

Question: %s

Answer with a JSON object: "original_query" repeats the question and "hyde" holds the answer.`

const understandPrompt = `You are a database analyst who extracts the key parts of a question about %s data.

Tables:
%s

Question: %s

Answer with a JSON object:
"select_columns" lists the fields or values to select or compute,
"tables" lists the tables involved,
"conditions" lists the filtering conditions,
"operations" describes aggregation ("aggregation"), grouping columns ("group_by") and ordering ("order_by" with "column" and "direction", an empty column when no ordering is asked for).`

const clauseTaskPrompt = `You are an expert %s SQL query builder. Perform the following subtask for the user's request.

Subtask: %s

Tables:
%s

User's request: %s

Previous selections:
%s

Question: %s

%s`
